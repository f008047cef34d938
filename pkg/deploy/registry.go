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

// Package deploy wraps design runs in an asynchronous trigger, poll,
// cancel lifecycle, with optional cron schedules. Designs and
// deployments are declared in YAML files loaded from a directory and
// hot-reloaded on change.
package deploy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/tapestry-ai/tapestry/pkg/design"
)

// Deployment exposes one design behind a stable path, optionally on a
// cron schedule.
type Deployment struct {
	ID       string `yaml:"id" json:"id"`
	Path     string `yaml:"path" json:"path"`
	DesignID string `yaml:"design_id" json:"design_id"`
	Task     string `yaml:"task,omitempty" json:"task,omitempty"`
	Schedule string `yaml:"schedule,omitempty" json:"schedule,omitempty"`
}

// configFile is the YAML shape of one file in the config directory.
type configFile struct {
	Designs     []design.Design `yaml:"designs"`
	Deployments []Deployment    `yaml:"deployments"`
}

// Registry holds the loaded designs and deployments. Reload swaps the
// whole set atomically; readers never see a half-loaded directory.
type Registry struct {
	dir    string
	logger *zap.Logger

	mu          sync.RWMutex
	designs     map[string]*design.Design
	deployments map[string]*Deployment
	byPath      map[string]*Deployment
}

// NewRegistry creates a registry over a config directory. Empty dir
// yields an empty registry (designs may still be registered
// programmatically).
func NewRegistry(dir string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		dir:         dir,
		logger:      logger,
		designs:     make(map[string]*design.Design),
		deployments: make(map[string]*Deployment),
		byPath:      make(map[string]*Deployment),
	}
}

// Load reads every *.yaml / *.yml file under the directory and swaps
// the registry contents. Invalid designs fail the whole load; a
// config error should be loud, not partially applied.
func (r *Registry) Load() error {
	if r.dir == "" {
		return nil
	}

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return fmt.Errorf("reading config dir %s: %w", r.dir, err)
	}

	designs := make(map[string]*design.Design)
	deployments := make(map[string]*Deployment)
	byPath := make(map[string]*Deployment)

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(r.dir, name))
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}
		var cf configFile
		if err := yaml.Unmarshal(data, &cf); err != nil {
			return fmt.Errorf("parsing %s: %w", name, err)
		}

		for i := range cf.Designs {
			d := &cf.Designs[i]
			if err := d.Validate(); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			if _, dup := designs[d.ID]; dup {
				return fmt.Errorf("%s: duplicate design id %q", name, d.ID)
			}
			designs[d.ID] = d
		}
		for i := range cf.Deployments {
			dep := &cf.Deployments[i]
			if dep.ID == "" || dep.DesignID == "" {
				return fmt.Errorf("%s: deployment requires id and design_id", name)
			}
			if _, ok := designs[dep.DesignID]; !ok {
				return fmt.Errorf("%s: deployment %s references unknown design %q", name, dep.ID, dep.DesignID)
			}
			if dep.Path == "" {
				dep.Path = dep.ID
			}
			deployments[dep.ID] = dep
			byPath[dep.Path] = dep
		}
	}

	r.mu.Lock()
	r.designs = designs
	r.deployments = deployments
	r.byPath = byPath
	r.mu.Unlock()

	r.logger.Info("Config loaded",
		zap.Int("designs", len(designs)),
		zap.Int("deployments", len(deployments)))
	return nil
}

// Watch reloads the registry whenever a config file changes, until ctx
// is cancelled. A failed reload keeps the previous contents.
func (r *Registry) Watch(ctx context.Context) error {
	if r.dir == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("starting config watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", r.dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := r.Load(); err != nil {
					r.logger.Warn("Config reload failed, keeping previous config", zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("Config watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Design resolves a design by id.
func (r *Registry) Design(id string) (*design.Design, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.designs[id]
	return d, ok
}

// RegisterDesign adds or replaces a design programmatically.
func (r *Registry) RegisterDesign(d *design.Design) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.designs[d.ID] = d
	r.mu.Unlock()
	return nil
}

// Deployment resolves a deployment by id.
func (r *Registry) Deployment(id string) (*Deployment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.deployments[id]
	return d, ok
}

// DeploymentByPath resolves a deployment by its trigger path.
func (r *Registry) DeploymentByPath(path string) (*Deployment, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byPath[strings.Trim(path, "/")]
	return d, ok
}

// Deployments returns all deployments.
func (r *Registry) Deployments() []*Deployment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Deployment, 0, len(r.deployments))
	for _, d := range r.deployments {
		out = append(out, d)
	}
	return out
}
