// Fherelay is a task dispatch and result-delivery service for FHE workloads.
// Copyright (C) 2026 The fherelay authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package journal is the SQLite submission journal. Every accepted
// submission gets one row; the lifecycle engine stamps the terminal
// status when it first observes one. The journal is a diagnostic
// record, never a source of truth for live status.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const defaultBusyTimeout = 5 * time.Second

// ErrNotFound indicates no rows matched the query.
var ErrNotFound = errors.New("not found")

// Entry is one journaled submission.
type Entry struct {
	TaskID      string
	UID         string
	Task        string
	Channel     string
	SubmittedAt time.Time
	Terminal    string    // empty until a terminal status was observed
	TerminalAt  time.Time // zero until then
}

// Journal wraps a SQLite database connection.
type Journal struct {
	db *sql.DB
}

// Open opens (or creates) the journal at path, applies connection
// pragmas, runs migrations, and returns a ready Journal. Use
// ":memory:" in tests.
func Open(ctx context.Context, path string) (*Journal, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(2)
	db.SetMaxOpenConns(4)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	j := &Journal{db: db}
	if err := j.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return j, nil
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func (j *Journal) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS submissions (
    task_id      TEXT PRIMARY KEY,
    uid          TEXT NOT NULL,
    task         TEXT NOT NULL,
    channel      TEXT NOT NULL,
    submitted_at INTEGER NOT NULL,
    terminal     TEXT NOT NULL DEFAULT '',
    terminal_at  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_submissions_uid ON submissions(uid);
CREATE INDEX IF NOT EXISTS idx_submissions_submitted_at ON submissions(submitted_at);
`
	if _, err := j.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Record journals a new submission.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	_, err := j.db.ExecContext(ctx, `
INSERT INTO submissions (task_id, uid, task, channel, submitted_at)
VALUES (?, ?, ?, ?, ?)`,
		e.TaskID, e.UID, e.Task, e.Channel, e.SubmittedAt.Unix())
	if err != nil {
		return fmt.Errorf("record submission: %w", err)
	}
	return nil
}

// MarkTerminal stamps the first observed terminal status. Later calls
// for the same task are no-ops, keeping the journal monotonic.
func (j *Journal) MarkTerminal(ctx context.Context, taskID, status string, at time.Time) error {
	_, err := j.db.ExecContext(ctx, `
UPDATE submissions SET terminal = ?, terminal_at = ?
WHERE task_id = ? AND terminal = ''`,
		status, at.Unix(), taskID)
	if err != nil {
		return fmt.Errorf("mark terminal: %w", err)
	}
	return nil
}

// Get returns the journal entry for a task id.
func (j *Journal) Get(ctx context.Context, taskID string) (Entry, error) {
	row := j.db.QueryRowContext(ctx, `
SELECT task_id, uid, task, channel, submitted_at, terminal, terminal_at
FROM submissions WHERE task_id = ?`, taskID)
	return scanEntry(row)
}

// ListRecent returns the newest entries, newest first.
func (j *Journal) ListRecent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, `
SELECT task_id, uid, task, channel, submitted_at, terminal, terminal_at
FROM submissions ORDER BY submitted_at DESC, task_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var e Entry
	var submitted, terminalAt int64
	err := s.Scan(&e.TaskID, &e.UID, &e.Task, &e.Channel, &submitted, &e.Terminal, &terminalAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("scan submission: %w", err)
	}
	e.SubmittedAt = time.Unix(submitted, 0).UTC()
	if terminalAt > 0 {
		e.TerminalAt = time.Unix(terminalAt, 0).UTC()
	}
	return e, nil
}
