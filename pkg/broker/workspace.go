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

package broker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WorkspaceBroker hands blocks their working directories. Blocks
// declaring a git repo get a fresh shallow clone at a unique ephemeral
// path; others share the configured project root. Acquisition and
// release are paired, and release removes the clone on every exit
// path.
type WorkspaceBroker struct {
	baseDir     string
	projectRoot string
	logger      *zap.Logger

	// active counts unreleased clones; tests use it to detect leaks.
	active atomic.Int64
}

// NewWorkspaceBroker creates a broker cloning under baseDir.
// projectRoot is the cwd for blocks without a repo; empty means the
// process cwd.
func NewWorkspaceBroker(baseDir, projectRoot string, logger *zap.Logger) *WorkspaceBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "tapestry-workspaces")
	}
	return &WorkspaceBroker{baseDir: baseDir, projectRoot: projectRoot, logger: logger}
}

// Active reports the number of unreleased workspaces.
func (w *WorkspaceBroker) Active() int64 {
	return w.active.Load()
}

// Acquire returns the block's cwd and a paired release. Without a git
// repo the cwd is the project root and release is a no-op. With one, a
// depth-1 clone of the default branch lands in a fresh uuid-named
// directory; clone authentication rides on ambient key material (SSH
// agent, credential helpers). A clone failure aborts the block before
// any agent call.
func (w *WorkspaceBroker) Acquire(ctx context.Context, gitRepo string) (string, func(), error) {
	if gitRepo == "" {
		cwd := w.projectRoot
		if cwd == "" {
			cwd, _ = os.Getwd()
		}
		return cwd, func() {}, nil
	}

	dir := filepath.Join(w.baseDir, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("workspace: %w", err)
	}

	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", gitRepo, dir)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.RemoveAll(dir)
		return "", nil, fmt.Errorf("workspace: cloning %s: %w: %s", gitRepo, err, out)
	}

	w.active.Add(1)
	w.logger.Debug("Workspace acquired",
		zap.String("repo", gitRepo),
		zap.String("dir", dir))

	release := func() {
		defer w.active.Add(-1)
		if err := os.RemoveAll(dir); err != nil {
			// Cleanup failures are logged, never propagated.
			w.logger.Warn("Workspace cleanup failed",
				zap.String("dir", dir),
				zap.Error(err))
			return
		}
		w.logger.Debug("Workspace released", zap.String("dir", dir))
	}
	return dir, release, nil
}
