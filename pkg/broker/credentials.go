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

// Package broker prepares per-block side-effect environments: the
// process-local credential file agents read, and ephemeral git
// checkouts that become block working directories.
package broker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// ProfileStore yields the currently selected credential profile as an
// opaque blob. Selection lives outside the engine; the broker only
// materializes it.
type ProfileStore interface {
	// SelectedProfile returns the active profile's content, or
	// (nil, nil) when no profile is selected.
	SelectedProfile(ctx context.Context) ([]byte, error)
}

// FileProfileStore reads the selected profile from a single file path.
// A missing file means no profile is selected.
type FileProfileStore struct {
	Path string
}

// SelectedProfile implements ProfileStore.
func (s *FileProfileStore) SelectedProfile(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.Path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading profile %s: %w", s.Path, err)
	}
	return data, nil
}

// CredentialBroker materializes the selected profile at the
// conventional credential path before agent calls. Restore is
// idempotent: an unchanged profile leaves the file untouched, so
// repeated restores within one execution do not churn mtimes.
type CredentialBroker struct {
	store  ProfileStore
	path   string
	logger *zap.Logger

	mu          sync.Mutex
	lastWritten []byte
}

// NewCredentialBroker creates a broker writing to path.
func NewCredentialBroker(store ProfileStore, path string, logger *zap.Logger) *CredentialBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CredentialBroker{store: store, path: path, logger: logger}
}

// Path returns where the profile is materialized.
func (b *CredentialBroker) Path() string {
	return b.path
}

// Restore writes the currently selected profile to the credential path
// with owner-only permissions. With no profile selected it warns and
// proceeds; the subsequent agent call fails cleanly instead of
// hanging. Safe for concurrent use.
func (b *CredentialBroker) Restore(ctx context.Context) error {
	profile, err := b.store.SelectedProfile(ctx)
	if err != nil {
		return fmt.Errorf("credential restore: %w", err)
	}
	if profile == nil {
		b.logger.Warn("No credential profile selected, agent calls will fail",
			zap.String("path", b.path))
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if bytes.Equal(profile, b.lastWritten) {
		if _, err := os.Stat(b.path); err == nil {
			return nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("credential restore: %w", err)
	}
	if err := os.WriteFile(b.path, profile, 0o600); err != nil {
		return fmt.Errorf("credential restore: %w", err)
	}

	b.lastWritten = append([]byte(nil), profile...)
	b.logger.Debug("Credential profile materialized", zap.String("path", b.path))
	return nil
}
