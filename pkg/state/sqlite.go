// SPDX-FileCopyrightText: Copyright 2026 Portico Labs
// SPDX-License-Identifier: Apache-2.0

package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	// Registers the sqlite driver.
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS backend_state (
	backend_id          TEXT PRIMARY KEY,
	kind                TEXT NOT NULL,
	state               TEXT NOT NULL,
	last_started_at     TIMESTAMP,
	last_stopped_at     TIMESTAMP,
	failure_count       INTEGER NOT NULL DEFAULT 0,
	last_failure_reason TEXT NOT NULL DEFAULT '',
	tool_names          TEXT NOT NULL DEFAULT '[]',
	updated_at          TIMESTAMP NOT NULL
);
`

// SQLiteStore is the file-backed Store implementation.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}
	// A single writer keeps upserts serialized and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating state schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, record Record) error {
	toolNames, err := json.Marshal(record.ToolNames)
	if err != nil {
		return fmt.Errorf("encoding tool names: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO backend_state
	(backend_id, kind, state, last_started_at, last_stopped_at, failure_count, last_failure_reason, tool_names, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(backend_id) DO UPDATE SET
	kind = excluded.kind,
	state = excluded.state,
	last_started_at = excluded.last_started_at,
	last_stopped_at = excluded.last_stopped_at,
	failure_count = excluded.failure_count,
	last_failure_reason = excluded.last_failure_reason,
	tool_names = excluded.tool_names,
	updated_at = excluded.updated_at`,
		record.BackendID, record.Kind, record.State,
		record.LastStartedAt, record.LastStoppedAt,
		record.FailureCount, record.LastFailureReason,
		string(toolNames), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("saving backend state: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, backendID string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT backend_id, kind, state, last_started_at, last_stopped_at, failure_count, last_failure_reason, tool_names
FROM backend_state WHERE backend_id = ?`, backendID)

	record, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("loading backend state: %w", err)
	}
	return record, true, nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT backend_id, kind, state, last_started_at, last_stopped_at, failure_count, last_failure_reason, tool_names
FROM backend_state ORDER BY backend_id`)
	if err != nil {
		return nil, fmt.Errorf("listing backend state: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning backend state: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (Record, error) {
	var record Record
	var toolNames string
	err := row.Scan(
		&record.BackendID, &record.Kind, &record.State,
		&record.LastStartedAt, &record.LastStoppedAt,
		&record.FailureCount, &record.LastFailureReason, &toolNames,
	)
	if err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal([]byte(toolNames), &record.ToolNames); err != nil {
		return Record{}, err
	}
	return record, nil
}
