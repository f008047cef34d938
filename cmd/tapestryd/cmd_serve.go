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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tapestry-ai/tapestry/internal/log"
	"github.com/tapestry-ai/tapestry/pkg/agent"
	"github.com/tapestry-ai/tapestry/pkg/broker"
	"github.com/tapestry-ai/tapestry/pkg/deploy"
	"github.com/tapestry-ai/tapestry/pkg/design"
	"github.com/tapestry-ai/tapestry/pkg/llm/anthropic"
	"github.com/tapestry-ai/tapestry/pkg/pattern"
	"github.com/tapestry-ai/tapestry/pkg/server"
	"github.com/tapestry-ai/tapestry/pkg/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Tapestry HTTP server",
	Long: `Start the Tapestry engine with its HTTP API.

The server will:
- Load designs and deployments from the config directory
- Expose pattern, design, and deployment endpoints
- Persist executions and event logs to SQLite
- Run scheduled deployments (if enabled)

Press Ctrl+C to gracefully shutdown.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := log.Init(config.Logging.Level, config.Logging.Format); err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger := log.Logger()

	if err := os.MkdirAll(config.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	if config.LLM.Provider != "anthropic" {
		return fmt.Errorf("unsupported llm provider %q", config.LLM.Provider)
	}

	executionStore, err := store.Open(config.Store.Path, logger)
	if err != nil {
		return err
	}
	defer executionStore.Close()

	profiles := &broker.FileProfileStore{Path: config.Credentials.ProfilePath}
	credentials := broker.NewCredentialBroker(profiles, config.Credentials.Path, logger)
	workspaces := broker.NewWorkspaceBroker(config.Workspace.BaseDir, config.Workspace.ProjectRoot, logger)

	provider := anthropic.NewClient(anthropic.Config{
		KeyResolver: anthropic.FileKeyResolver(config.Credentials.Path),
		Endpoint:    config.LLM.Endpoint,
		MaxTokens:   config.LLM.MaxTokens,
	})

	client := agent.NewClient(agent.Config{
		Provider:     provider,
		Restorer:     credentials,
		MaxParallel:  config.Engine.MaxParallelAgents,
		CallTimeout:  config.Engine.AgentTimeout,
		DefaultModel: config.LLM.DefaultModel,
		Logger:       logger,
	})

	executor := pattern.NewExecutor(pattern.Config{
		Client:          client,
		ComposeContexts: config.Engine.ComposeContexts,
		CancelGrace:     config.Engine.CancelGrace,
		AgentTimeout:    config.Engine.AgentTimeout,
		BlockTimeout:    config.Engine.BlockTimeout,
		Logger:          logger,
	})

	runner := design.NewRunner(design.Config{
		Executor:          executor,
		Workspace:         workspaces,
		MaxParallelBlocks: config.Engine.MaxParallelBlocks,
		Logger:            logger,
	})

	registry := deploy.NewRegistry(config.Designs.Dir, logger)
	if _, err := os.Stat(config.Designs.Dir); err == nil {
		if err := registry.Load(); err != nil {
			return err
		}
	}

	deployExecutor := deploy.NewExecutor(deploy.ExecutorConfig{
		Runner:           runner,
		Registry:         registry,
		Store:            executionStore,
		ExecutionTimeout: config.Engine.ExecutionTimeout,
		Logger:           logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if config.Designs.HotReload {
		if err := registry.Watch(ctx); err != nil {
			logger.Warn("Config hot reload unavailable", zap.Error(err))
		}
	}

	if config.Scheduler.Enabled {
		scheduler := deploy.NewScheduler(deployExecutor, registry, config.Scheduler.SkipIfActive, logger)
		if err := scheduler.Start(ctx); err != nil {
			return err
		}
		defer scheduler.Stop()
	}

	srv := server.New(server.Config{
		Addr:      config.Server.Addr(),
		Executor:  executor,
		Workspace: workspaces,
		Deploy:    deployExecutor,
		Registry:  registry,
		Store:     executionStore,
		Logger:    logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
