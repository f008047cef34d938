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
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tapestry-ai/tapestry/pkg/design"
	"github.com/tapestry-ai/tapestry/pkg/events"
	"github.com/tapestry-ai/tapestry/pkg/pattern"
	"github.com/tapestry-ai/tapestry/pkg/store"
)

// Executor owns the execution lifecycle: trigger starts a design run
// in the background, status polls its snapshot, cancel trips its
// context. State machine: pending -> running -> {completed, failed,
// cancelled}; terminal states are sticky.
type Executor struct {
	runner   *design.Runner
	registry *Registry
	store    *store.Store
	timeout  time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	buses   map[string]*events.Bus
	active  map[string]int
}

// ExecutorConfig configures the deployment executor.
type ExecutorConfig struct {
	Runner   *design.Runner
	Registry *Registry
	Store    *store.Store

	// ExecutionTimeout bounds a whole run. 0 means none.
	ExecutionTimeout time.Duration

	Logger *zap.Logger
}

// NewExecutor creates a deployment executor.
func NewExecutor(config ExecutorConfig) *Executor {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return &Executor{
		runner:   config.Runner,
		registry: config.Registry,
		store:    config.Store,
		timeout:  config.ExecutionTimeout,
		logger:   config.Logger,
		cancels:  make(map[string]context.CancelFunc),
		buses:    make(map[string]*events.Bus),
		active:   make(map[string]int),
	}
}

// Trigger starts a design run in the background and returns its
// execution id immediately. The task falls back to each block's own
// declared task when empty.
func (e *Executor) Trigger(ctx context.Context, designID, task string) (string, error) {
	d, ok := e.registry.Design(designID)
	if !ok {
		return "", fmt.Errorf("design %q not found", designID)
	}
	if err := d.Validate(); err != nil {
		return "", err
	}

	execID := uuid.NewString()
	if err := e.store.CreateExecution(ctx, execID, designID); err != nil {
		return "", err
	}

	// The run outlives the triggering request; its lifetime is owned
	// by the cancellation token, not the HTTP context.
	var runCtx context.Context
	var cancel context.CancelFunc
	if e.timeout > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), e.timeout)
	} else {
		runCtx, cancel = context.WithCancel(context.Background())
	}

	bus := events.NewBus(execID, e.store, e.logger)

	e.mu.Lock()
	e.cancels[execID] = cancel
	e.buses[execID] = bus
	e.active[designID]++
	e.mu.Unlock()

	go e.run(runCtx, cancel, execID, designID, d, task, bus)

	e.logger.Info("Execution triggered",
		zap.String("execution_id", execID),
		zap.String("design_id", designID))
	return execID, nil
}

func (e *Executor) run(ctx context.Context, cancel context.CancelFunc, execID, designID string, d *design.Design, task string, bus *events.Bus) {
	defer func() {
		cancel()
		bus.Close()
		e.mu.Lock()
		delete(e.cancels, execID)
		delete(e.buses, execID)
		e.active[designID]--
		if e.active[designID] == 0 {
			delete(e.active, designID)
		}
		e.mu.Unlock()
	}()

	if err := e.store.SetStatus(ctx, execID, "running", ""); err != nil {
		e.logger.Warn("Status update failed", zap.String("execution_id", execID), zap.Error(err))
	}
	bus.Emit(events.Start())

	// Block results are persisted as they complete; polling callers
	// see a monotonically growing result_data.results.
	emit := func(ev events.Event) {
		if ev.Kind == events.KindBlockComplete && len(ev.Result) > 0 {
			var br pattern.BlockResult
			if err := json.Unmarshal(ev.Result, &br); err == nil {
				if err := e.store.SaveBlockResult(context.Background(), execID, &br); err != nil {
					e.logger.Warn("Block result persistence failed",
						zap.String("execution_id", execID), zap.Error(err))
				}
			}
		}
		bus.Emit(ev)
	}

	result, err := e.runner.Run(ctx, d, task, emit)
	if err != nil {
		// Validation failures before any block ran.
		bus.Emit(events.Error(err.Error()))
		e.finish(execID, "failed", err.Error())
		return
	}

	switch result.Status {
	case design.StatusCompleted:
		bus.Emit(events.Complete(result))
		e.finish(execID, "completed", "")
	case design.StatusCancelled:
		bus.Emit(events.Error("execution cancelled"))
		e.finish(execID, "cancelled", "execution cancelled")
	default:
		msg := firstError(result)
		bus.Emit(events.Error(msg))
		e.finish(execID, "failed", msg)
	}
}

func (e *Executor) finish(execID, status, errMsg string) {
	if err := e.store.SetStatus(context.Background(), execID, status, errMsg); err != nil {
		e.logger.Warn("Terminal status update failed",
			zap.String("execution_id", execID),
			zap.String("status", status),
			zap.Error(err))
	}
}

// Status returns the current execution snapshot. Safe to poll.
func (e *Executor) Status(ctx context.Context, execID string) (*store.Execution, error) {
	return e.store.GetExecution(ctx, execID)
}

// Cancel transitions a running execution to cancelled. Cancelling a
// terminal execution is a no-op reported as success.
func (e *Executor) Cancel(ctx context.Context, execID string) error {
	e.mu.Lock()
	cancel, running := e.cancels[execID]
	e.mu.Unlock()

	if running {
		cancel()
		return nil
	}

	// Not in flight: succeed if it exists (terminal), else not found.
	if _, err := e.store.GetExecution(ctx, execID); err != nil {
		return err
	}
	return nil
}

// Subscribe attaches to a live execution's event stream: snapshot plus
// tail. For finished executions it returns the persisted log with a
// nil tail.
func (e *Executor) Subscribe(ctx context.Context, execID string) ([]events.Event, <-chan events.Event, func(), error) {
	e.mu.Lock()
	bus, live := e.buses[execID]
	e.mu.Unlock()

	if live {
		snapshot, tail, cancel := bus.Subscribe()
		return snapshot, tail, cancel, nil
	}

	log, err := e.store.Events(ctx, execID)
	if err != nil {
		return nil, nil, nil, err
	}
	return log, nil, func() {}, nil
}

// ActiveForDesign reports whether the design has a run in flight. The
// scheduler uses it to drop overlapping ticks.
func (e *Executor) ActiveForDesign(designID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active[designID] > 0
}

// firstError picks a stable representative failure for the terminal
// error event.
func firstError(result *design.Result) string {
	msg := "execution failed"
	for id, errMsg := range result.Errors {
		candidate := fmt.Sprintf("block %s: %s", id, errMsg)
		if msg == "execution failed" || candidate < msg {
			msg = candidate
		}
	}
	return msg
}
