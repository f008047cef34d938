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

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	config  *Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "tapestryd",
	Short: "Tapestry - multi-agent LLM orchestration engine",
	Long: `Tapestry runs multi-agent LLM workflows: pattern blocks
(sequential, parallel, hierarchical, debate, routing, reflection)
composed into design DAGs, with streaming events, durable execution
logs, and scheduled deployments.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $TAPESTRY_DATA_DIR/tapestryd.yaml)")

	rootCmd.PersistentFlags().String("host", "0.0.0.0", "HTTP server host")
	rootCmd.PersistentFlags().Int("port", 8700, "HTTP server port")

	rootCmd.PersistentFlags().String("default-model", "", "LLM model id used when a request omits one")
	rootCmd.PersistentFlags().Int("max-parallel-blocks", 4, "upper bound on concurrent blocks per execution")
	rootCmd.PersistentFlags().Int("max-parallel-agents", 8, "upper bound on concurrent agent calls per process")
	rootCmd.PersistentFlags().Duration("agent-timeout", 0, "per-agent call timeout (0=none)")
	rootCmd.PersistentFlags().Duration("block-timeout", 0, "per-block timeout (0=agents x agent-timeout)")
	rootCmd.PersistentFlags().Duration("cancel-grace", 0, "grace window for a cancelled agent call")

	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (console, json)")
}
