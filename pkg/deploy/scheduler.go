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

package deploy

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler triggers scheduled deployments on cron timers. A tick that
// fires while the deployment's previous run is still active is
// skipped, not queued.
type Scheduler struct {
	executor     *Executor
	registry     *Registry
	skipIfActive bool
	logger       *zap.Logger

	cron *cron.Cron
}

// NewScheduler creates a scheduler over the registry's deployments.
func NewScheduler(executor *Executor, registry *Registry, skipIfActive bool, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		executor:     executor,
		registry:     registry,
		skipIfActive: skipIfActive,
		logger:       logger,
	}
}

// Start registers every scheduled deployment and starts the timers.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New()

	for _, dep := range s.registry.Deployments() {
		if dep.Schedule == "" {
			continue
		}
		dep := dep
		_, err := s.cron.AddFunc(dep.Schedule, func() {
			s.tick(ctx, dep)
		})
		if err != nil {
			return fmt.Errorf("schedule for deployment %s: %w", dep.ID, err)
		}
		s.logger.Info("Schedule registered",
			zap.String("deployment_id", dep.ID),
			zap.String("schedule", dep.Schedule))
	}

	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the timers and waits for in-flight trigger calls.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

func (s *Scheduler) tick(ctx context.Context, dep *Deployment) {
	if s.skipIfActive && s.executor.ActiveForDesign(dep.DesignID) {
		s.logger.Info("Schedule tick skipped, previous run still active",
			zap.String("deployment_id", dep.ID))
		return
	}

	execID, err := s.executor.Trigger(ctx, dep.DesignID, dep.Task)
	if err != nil {
		s.logger.Error("Scheduled trigger failed",
			zap.String("deployment_id", dep.ID),
			zap.Error(err))
		return
	}
	s.logger.Info("Scheduled execution started",
		zap.String("deployment_id", dep.ID),
		zap.String("execution_id", execID))
}
