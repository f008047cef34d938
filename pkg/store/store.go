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

// Package store persists executions and their event logs in SQLite.
// It is the durable consumer of the event bus; live subscribers are
// served elsewhere.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/tapestry-ai/tapestry/pkg/events"
	"github.com/tapestry-ai/tapestry/pkg/pattern"
)

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id           TEXT PRIMARY KEY,
	design_id    TEXT,
	status       TEXT NOT NULL,
	started_at   TIMESTAMP NOT NULL,
	completed_at TIMESTAMP,
	result_data  TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS execution_events (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	execution_id TEXT NOT NULL,
	type         TEXT NOT NULL,
	block_id     TEXT,
	agent        TEXT,
	data         TEXT,
	error        TEXT,
	result       TEXT,
	timestamp    TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_execution
	ON execution_events (execution_id, seq);

CREATE INDEX IF NOT EXISTS idx_executions_design
	ON executions (design_id, started_at DESC);
`

// ResultData is the incrementally growing result payload of an
// execution. Results only ever gains keys until the terminal state.
type ResultData struct {
	Results    map[string]*pattern.BlockResult `json:"results"`
	InProgress bool                            `json:"in_progress"`
	Error      string                          `json:"error,omitempty"`
}

// Execution is one persisted execution record.
type Execution struct {
	ID          string     `json:"execution_id"`
	DesignID    string     `json:"design_id,omitempty"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ResultData  ResultData `json:"result_data"`
}

// Store is a SQLite-backed execution and event log store.
type Store struct {
	db     *sql.DB
	logger *zap.Logger

	// mu serializes result_data read-modify-write cycles.
	mu sync.Mutex
}

// Open opens (creating if needed) the store at path. Use ":memory:"
// for tests.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", path, err)
	}
	// database/sql connection pooling breaks in-memory databases and
	// single-writer assumptions; one connection is plenty here.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateExecution inserts a new pending execution.
func (s *Store) CreateExecution(ctx context.Context, id, designID string) error {
	data, _ := json.Marshal(ResultData{Results: map[string]*pattern.BlockResult{}, InProgress: true})
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (id, design_id, status, started_at, result_data) VALUES (?, ?, ?, ?, ?)`,
		id, nullable(designID), "pending", time.Now().UTC(), string(data))
	if err != nil {
		return fmt.Errorf("creating execution %s: %w", id, err)
	}
	return nil
}

// SetStatus transitions the execution's status. Terminal statuses
// stamp completed_at and clear in_progress.
func (s *Store) SetStatus(ctx context.Context, id, status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	terminal := status == "completed" || status == "failed" || status == "cancelled"
	if !terminal {
		_, err := s.db.ExecContext(ctx,
			`UPDATE executions SET status = ? WHERE id = ?`, status, id)
		if err != nil {
			return fmt.Errorf("updating execution %s: %w", id, err)
		}
		return nil
	}

	data, err := s.loadResultData(ctx, id)
	if err != nil {
		return err
	}
	data.InProgress = false
	data.Error = errMsg
	encoded, _ := json.Marshal(data)

	_, err = s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, completed_at = ?, result_data = ? WHERE id = ?`,
		status, time.Now().UTC(), string(encoded), id)
	if err != nil {
		return fmt.Errorf("completing execution %s: %w", id, err)
	}
	return nil
}

// SaveBlockResult merges one finished block into result_data, so
// polling callers see partial results while the execution runs.
func (s *Store) SaveBlockResult(ctx context.Context, id string, result *pattern.BlockResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadResultData(ctx, id)
	if err != nil {
		return err
	}
	if data.Results == nil {
		data.Results = map[string]*pattern.BlockResult{}
	}
	data.Results[result.BlockID] = result
	encoded, _ := json.Marshal(data)

	_, err = s.db.ExecContext(ctx,
		`UPDATE executions SET result_data = ? WHERE id = ?`, string(encoded), id)
	if err != nil {
		return fmt.Errorf("saving block result for %s: %w", id, err)
	}
	return nil
}

// GetExecution fetches one execution snapshot.
func (s *Store) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, design_id, status, started_at, completed_at, result_data FROM executions WHERE id = ?`, id)
	return scanExecution(row)
}

// ListExecutions returns the most recent executions for a design,
// newest first.
func (s *Store) ListExecutions(ctx context.Context, designID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, design_id, status, started_at, completed_at, result_data
		 FROM executions WHERE design_id = ? ORDER BY started_at DESC LIMIT ?`,
		designID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// AppendEvent implements events.Sink: every event is written in
// emission order.
func (s *Store) AppendEvent(ctx context.Context, executionID string, ev events.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_events (execution_id, type, block_id, agent, data, error, result, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		executionID, string(ev.Kind), ev.BlockID, ev.Agent, ev.Data, ev.Error, string(ev.Result), ev.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("appending event for %s: %w", executionID, err)
	}
	return nil
}

// Events returns the full ordered event log of an execution.
func (s *Store) Events(ctx context.Context, executionID string) ([]events.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT type, block_id, agent, data, error, result, timestamp
		 FROM execution_events WHERE execution_id = ? ORDER BY seq`, executionID)
	if err != nil {
		return nil, fmt.Errorf("loading events for %s: %w", executionID, err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var ev events.Event
		var kind, result string
		if err := rows.Scan(&kind, &ev.BlockID, &ev.Agent, &ev.Data, &ev.Error, &result, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.Kind = events.Kind(kind)
		if result != "" {
			ev.Result = json.RawMessage(result)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (*Execution, error) {
	var ex Execution
	var designID sql.NullString
	var completedAt sql.NullTime
	var data string
	if err := row.Scan(&ex.ID, &designID, &ex.Status, &ex.StartedAt, &completedAt, &data); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("execution not found")
		}
		return nil, fmt.Errorf("scanning execution: %w", err)
	}
	ex.DesignID = designID.String
	if completedAt.Valid {
		t := completedAt.Time
		ex.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(data), &ex.ResultData); err != nil {
		return nil, fmt.Errorf("decoding result data: %w", err)
	}
	return &ex, nil
}

func (s *Store) loadResultData(ctx context.Context, id string) (ResultData, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT result_data FROM executions WHERE id = ?`, id).Scan(&raw)
	if err != nil {
		return ResultData{}, fmt.Errorf("loading result data for %s: %w", id, err)
	}
	var data ResultData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return ResultData{}, fmt.Errorf("decoding result data for %s: %w", id, err)
	}
	return data, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
