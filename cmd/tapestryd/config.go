// Copyright 2026 Tapestry Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// DefaultConfigFileName is the name of the config file
const DefaultConfigFileName = "tapestryd"

// Config holds all configuration for the Tapestry server.
// Priority: CLI flags > config file > env vars > defaults
type Config struct {
	// DataDir is the Tapestry data directory, from TAPESTRY_DATA_DIR
	// or ~/.tapestry. Set during config initialization; not loaded
	// from the config file.
	DataDir string `mapstructure:"-"`

	Server      ServerConfig      `mapstructure:"server"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Workspace   WorkspaceConfig   `mapstructure:"workspace"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Store       StoreConfig       `mapstructure:"store"`
	Designs     DesignsConfig     `mapstructure:"designs"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LLMConfig holds LLM provider configuration.
type LLMConfig struct {
	// Provider is the LLM backend. Only "anthropic" is built in.
	Provider string `mapstructure:"provider"`

	// DefaultModel is used when a request omits a model id.
	DefaultModel string `mapstructure:"default_model"`

	// Endpoint overrides the vendor API endpoint (for tests/proxies).
	Endpoint string `mapstructure:"endpoint"`

	// MaxTokens caps completion length per call.
	MaxTokens int `mapstructure:"max_tokens"`
}

// EngineConfig holds orchestration limits.
type EngineConfig struct {
	// MaxParallelBlocks bounds concurrent blocks per execution.
	MaxParallelBlocks int `mapstructure:"max_parallel_blocks"`

	// MaxParallelAgents bounds concurrent agent calls per process.
	MaxParallelAgents int `mapstructure:"max_parallel_agents"`

	// AgentTimeout is the per-agent call timeout. 0 means none.
	AgentTimeout time.Duration `mapstructure:"agent_timeout"`

	// BlockTimeout bounds one block execution. 0 derives it from the
	// block's agent count times AgentTimeout.
	BlockTimeout time.Duration `mapstructure:"block_timeout"`

	// CancelGrace is the wait for a cancelled agent call to
	// acknowledge before it is abandoned.
	CancelGrace time.Duration `mapstructure:"cancel_grace"`

	// ExecutionTimeout bounds a whole design run. 0 means none.
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`

	// ComposeContexts concatenates block-level and agent-level edge
	// contexts instead of letting agent-level override.
	ComposeContexts bool `mapstructure:"compose_contexts"`
}

// WorkspaceConfig holds working-directory configuration.
type WorkspaceConfig struct {
	// ProjectRoot is the default cwd for blocks without a git repo.
	ProjectRoot string `mapstructure:"project_root"`

	// BaseDir is where ephemeral clones land.
	BaseDir string `mapstructure:"base_dir"`
}

// CredentialsConfig holds credential broker configuration.
type CredentialsConfig struct {
	// Path is where the restored profile is materialized.
	Path string `mapstructure:"path"`

	// ProfilePath is where the selected profile is read from.
	ProfilePath string `mapstructure:"profile_path"`
}

// StoreConfig holds the execution store configuration.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// DesignsConfig holds the design/deployment config directory.
type DesignsConfig struct {
	// Dir contains *.yaml files declaring designs and deployments.
	Dir string `mapstructure:"dir"`

	// HotReload re-reads the directory on file changes.
	HotReload bool `mapstructure:"hot_reload"`
}

// SchedulerConfig holds scheduled deployment configuration.
type SchedulerConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// SkipIfActive drops a tick whose previous run is still active.
	SkipIfActive bool `mapstructure:"skip_if_active"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// initConfig reads the configuration from flags, file, and env.
func initConfig() {
	dataDir := os.Getenv("TAPESTRY_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, "cannot determine home directory:", err)
			os.Exit(1)
		}
		dataDir = filepath.Join(home, ".tapestry")
	}

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8700)
	viper.SetDefault("llm.provider", "anthropic")
	viper.SetDefault("llm.default_model", "claude-sonnet-4-5")
	viper.SetDefault("llm.max_tokens", 4096)
	viper.SetDefault("engine.max_parallel_blocks", 4)
	viper.SetDefault("engine.max_parallel_agents", 8)
	viper.SetDefault("engine.cancel_grace", 5*time.Second)
	viper.SetDefault("workspace.base_dir", filepath.Join(dataDir, "workspaces"))
	viper.SetDefault("credentials.path", filepath.Join(dataDir, "credentials.json"))
	viper.SetDefault("credentials.profile_path", filepath.Join(dataDir, "profiles", "selected.json"))
	viper.SetDefault("store.path", filepath.Join(dataDir, "tapestry.db"))
	viper.SetDefault("designs.dir", filepath.Join(dataDir, "designs"))
	viper.SetDefault("designs.hot_reload", true)
	viper.SetDefault("scheduler.enabled", true)
	viper.SetDefault("scheduler.skip_if_active", true)
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName(DefaultConfigFileName)
		viper.SetConfigType("yaml")
		viper.AddConfigPath(dataDir)
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("TAPESTRY")
	viper.AutomaticEnv()

	bindFlag := func(key, flag string) {
		if f := rootCmd.PersistentFlags().Lookup(flag); f != nil {
			_ = viper.BindPFlag(key, f)
		}
	}
	bindFlag("server.host", "host")
	bindFlag("server.port", "port")
	bindFlag("llm.default_model", "default-model")
	bindFlag("engine.max_parallel_blocks", "max-parallel-blocks")
	bindFlag("engine.max_parallel_agents", "max-parallel-agents")
	bindFlag("engine.agent_timeout", "agent-timeout")
	bindFlag("engine.block_timeout", "block-timeout")
	bindFlag("engine.cancel_grace", "cancel-grace")
	bindFlag("logging.level", "log-level")
	bindFlag("logging.format", "log-format")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintln(os.Stderr, "reading config:", err)
			os.Exit(1)
		}
	}

	config = &Config{}
	if err := viper.Unmarshal(config); err != nil {
		fmt.Fprintln(os.Stderr, "parsing config:", err)
		os.Exit(1)
	}
	config.DataDir = dataDir
}
