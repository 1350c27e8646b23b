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

// Package results is the Redis-backed store of terminal task
// outcomes. Records expire after a retention TTL; an expired record
// is indistinguishable from one that never existed.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fherelay/pkg/dispatch"
)

// ErrNoRecord reports that no outcome exists for a task id.
var ErrNoRecord = errors.New("results: no record")

const keyPrefix = "fhe-task-meta:"

// Store persists outcomes on one Redis database.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// New wraps a Redis client with the given retention TTL.
func New(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

// Ping verifies backend connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Put records the terminal outcome of a task. Last writer wins; the
// lifecycle engine never reads past the first terminal state it sees,
// so a duplicate redelivered execution cannot flip a reported status.
func (s *Store) Put(ctx context.Context, taskID string, out dispatch.Outcome) error {
	raw, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	if err := s.rdb.Set(ctx, keyPrefix+taskID, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("store outcome: %w", err)
	}
	return nil
}

// Get returns the recorded outcome for a task id.
func (s *Store) Get(ctx context.Context, taskID string) (dispatch.Outcome, error) {
	raw, err := s.rdb.Get(ctx, keyPrefix+taskID).Result()
	if errors.Is(err, redis.Nil) {
		return dispatch.Outcome{}, ErrNoRecord
	}
	if err != nil {
		return dispatch.Outcome{}, fmt.Errorf("fetch outcome: %w", err)
	}
	var out dispatch.Outcome
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return dispatch.Outcome{}, fmt.Errorf("decode outcome: %w", err)
	}
	return out, nil
}

// Delete drops a task's record. Used when a delivered result's live
// artifacts have been promoted and the record is no longer needed.
func (s *Store) Delete(ctx context.Context, taskID string) error {
	if err := s.rdb.Del(ctx, keyPrefix+taskID).Err(); err != nil {
		return fmt.Errorf("delete outcome: %w", err)
	}
	return nil
}
