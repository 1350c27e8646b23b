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

// Package queue is the Redis-backed job broker. Each channel is a
// pair of lists: queue:<channel> holds undelivered envelopes (newest
// at the head, consumed from the tail for FIFO order) and
// unacked:<channel> holds envelopes leased to workers. Lease metadata
// lives in a hash per channel; a leased envelope whose deadline
// passes without an ack is requeued, so delivery is at-least-once.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fherelay/pkg/dispatch"
)

var (
	// ErrEmpty reports that no envelope was available to lease.
	ErrEmpty = errors.New("queue: no job available")
	// ErrGone reports an ack or extension on a lease the broker no
	// longer holds, typically after a visibility-timeout requeue.
	ErrGone = errors.New("queue: lease no longer held")
)

// Lease states recorded in the per-channel metadata hash.
const (
	StateReserved = "reserved"
	StateStarted  = "started"
)

// revokeTTL bounds how long a revocation flag outlives its job. Long
// enough for any requeued copy to be drained, short enough that keys
// do not pile up.
const revokeTTL = 48 * time.Hour

// Queue brokers job envelopes over one Redis database.
type Queue struct {
	rdb        *redis.Client
	visibility time.Duration
	now        func() time.Time
}

// Option adjusts a Queue at construction.
type Option func(*Queue)

// WithNow overrides the clock, for deadline tests.
func WithNow(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New wraps a Redis client as a broker with the given lease
// visibility timeout.
func New(rdb *redis.Client, visibility time.Duration, opts ...Option) *Queue {
	q := &Queue{rdb: rdb, visibility: visibility, now: time.Now}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Ping verifies broker connectivity.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

func queueKey(channel string) string   { return "queue:" + channel }
func unackedKey(channel string) string { return "unacked:" + channel }
func metaKey(channel string) string    { return "unacked:meta:" + channel }
func revokedKey(taskID string) string  { return "revoked:" + taskID }

// Lease is a claimed envelope. The raw payload is kept verbatim so
// ack and nack can remove exactly the listed element.
type Lease struct {
	Envelope dispatch.Envelope
	Channel  string
	Worker   string
	raw      string
}

type leaseMeta struct {
	TaskID   string `json:"task_id"`
	Worker   string `json:"worker"`
	State    string `json:"state"`
	Deadline int64  `json:"deadline"`
	Payload  string `json:"payload"`
}

// LeaseInfo is the broker-side view of an outstanding lease.
type LeaseInfo struct {
	TaskID   string
	Channel  string
	Worker   string
	State    string
	Deadline time.Time
	Envelope dispatch.Envelope
}

// Enqueue appends an envelope to the channel's queue.
func (q *Queue) Enqueue(ctx context.Context, channel string, env dispatch.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := q.rdb.LPush(ctx, queueKey(channel), raw).Err(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Lease claims the oldest envelope from the first non-empty channel.
// Returns ErrEmpty when every channel is drained; callers poll.
func (q *Queue) Lease(ctx context.Context, channels []string, worker string) (*Lease, error) {
	for _, channel := range channels {
		raw, err := q.rdb.RPopLPush(ctx, queueKey(channel), unackedKey(channel)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lease pop: %w", err)
		}
		var env dispatch.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			// A payload we cannot decode can never be acked by a
			// worker; drop it rather than poison the channel.
			q.rdb.LRem(ctx, unackedKey(channel), 1, raw)
			return nil, fmt.Errorf("decode envelope: %w", err)
		}
		meta := leaseMeta{
			TaskID:   env.TaskID,
			Worker:   worker,
			State:    StateReserved,
			Deadline: q.now().Add(q.visibility).Unix(),
			Payload:  raw,
		}
		if err := q.writeMeta(ctx, channel, meta); err != nil {
			return nil, err
		}
		return &Lease{Envelope: env, Channel: channel, Worker: worker, raw: raw}, nil
	}
	return nil, ErrEmpty
}

func (q *Queue) writeMeta(ctx context.Context, channel string, meta leaseMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal lease meta: %w", err)
	}
	if err := q.rdb.HSet(ctx, metaKey(channel), meta.TaskID, raw).Err(); err != nil {
		return fmt.Errorf("record lease: %w", err)
	}
	return nil
}

func (q *Queue) readMeta(ctx context.Context, channel, taskID string) (leaseMeta, error) {
	raw, err := q.rdb.HGet(ctx, metaKey(channel), taskID).Result()
	if errors.Is(err, redis.Nil) {
		return leaseMeta{}, ErrGone
	}
	if err != nil {
		return leaseMeta{}, fmt.Errorf("read lease meta: %w", err)
	}
	var meta leaseMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return leaseMeta{}, fmt.Errorf("decode lease meta: %w", err)
	}
	return meta, nil
}

// ownedMeta loads the lease metadata and verifies the caller still
// holds the lease. After a visibility-timeout requeue the payload may
// be leased again by another worker, so the worker id is the tie
// breaker.
func (q *Queue) ownedMeta(ctx context.Context, l *Lease) (leaseMeta, error) {
	meta, err := q.readMeta(ctx, l.Channel, l.Envelope.TaskID)
	if err != nil {
		return leaseMeta{}, err
	}
	if meta.Worker != l.Worker {
		return leaseMeta{}, ErrGone
	}
	return meta, nil
}

// MarkStarted flips a lease from reserved to started once the worker
// spawns the executable.
func (q *Queue) MarkStarted(ctx context.Context, l *Lease) error {
	meta, err := q.ownedMeta(ctx, l)
	if err != nil {
		return err
	}
	meta.State = StateStarted
	meta.Deadline = q.now().Add(q.visibility).Unix()
	return q.writeMeta(ctx, l.Channel, meta)
}

// Extend pushes the lease deadline out by one visibility timeout.
func (q *Queue) Extend(ctx context.Context, l *Lease) error {
	meta, err := q.ownedMeta(ctx, l)
	if err != nil {
		return err
	}
	meta.Deadline = q.now().Add(q.visibility).Unix()
	return q.writeMeta(ctx, l.Channel, meta)
}

// Ack removes a settled lease from the broker. Late by design: the
// worker acks only after the outcome is published.
func (q *Queue) Ack(ctx context.Context, l *Lease) error {
	if _, err := q.ownedMeta(ctx, l); err != nil {
		return err
	}
	if err := q.rdb.LRem(ctx, unackedKey(l.Channel), 1, l.raw).Err(); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	if err := q.rdb.HDel(ctx, metaKey(l.Channel), l.Envelope.TaskID).Err(); err != nil {
		return fmt.Errorf("ack meta: %w", err)
	}
	return nil
}

// Nack returns a leased envelope to the head of its channel so it is
// redelivered next.
func (q *Queue) Nack(ctx context.Context, l *Lease) error {
	if _, err := q.ownedMeta(ctx, l); err != nil {
		return err
	}
	if err := q.rdb.LRem(ctx, unackedKey(l.Channel), 1, l.raw).Err(); err != nil {
		return fmt.Errorf("nack: %w", err)
	}
	if err := q.rdb.HDel(ctx, metaKey(l.Channel), l.Envelope.TaskID).Err(); err != nil {
		return fmt.Errorf("nack meta: %w", err)
	}
	if err := q.rdb.RPush(ctx, queueKey(l.Channel), l.raw).Err(); err != nil {
		return fmt.Errorf("nack requeue: %w", err)
	}
	return nil
}

// QueuedJob is one undelivered envelope with its 1-based FIFO
// position (1 = next to be delivered).
type QueuedJob struct {
	Envelope dispatch.Envelope
	Position int
	Total    int
}

// Inspect lists the undelivered envelopes of a channel in delivery
// order.
func (q *Queue) Inspect(ctx context.Context, channel string) ([]QueuedJob, error) {
	raws, err := q.rdb.LRange(ctx, queueKey(channel), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("inspect: %w", err)
	}
	total := len(raws)
	out := make([]QueuedJob, 0, total)
	// LRange returns head first (newest); delivery happens from the
	// tail, so walk backwards.
	for i := total - 1; i >= 0; i-- {
		var env dispatch.Envelope
		if err := json.Unmarshal([]byte(raws[i]), &env); err != nil {
			continue
		}
		out = append(out, QueuedJob{Envelope: env, Position: total - i, Total: total})
	}
	return out, nil
}

// FindQueued locates a task in a channel's undelivered backlog.
func (q *Queue) FindQueued(ctx context.Context, channel, taskID string) (QueuedJob, bool, error) {
	jobs, err := q.Inspect(ctx, channel)
	if err != nil {
		return QueuedJob{}, false, err
	}
	for _, j := range jobs {
		if j.Envelope.TaskID == taskID {
			return j, true, nil
		}
	}
	return QueuedJob{}, false, nil
}

// RemoveQueued deletes an undelivered envelope, for cancellation of a
// job that no worker has claimed. Reports whether anything was
// removed.
func (q *Queue) RemoveQueued(ctx context.Context, channel, taskID string) (bool, error) {
	job, ok, err := q.FindQueued(ctx, channel, taskID)
	if err != nil || !ok {
		return false, err
	}
	raw, err := json.Marshal(job.Envelope)
	if err != nil {
		return false, fmt.Errorf("marshal envelope: %w", err)
	}
	removed, err := q.rdb.LRem(ctx, queueKey(channel), 1, raw).Result()
	if err != nil {
		return false, fmt.Errorf("remove queued: %w", err)
	}
	return removed > 0, nil
}

// ActiveLeases lists the outstanding leases of a channel.
func (q *Queue) ActiveLeases(ctx context.Context, channel string) ([]LeaseInfo, error) {
	fields, err := q.rdb.HGetAll(ctx, metaKey(channel)).Result()
	if err != nil {
		return nil, fmt.Errorf("list leases: %w", err)
	}
	out := make([]LeaseInfo, 0, len(fields))
	for _, raw := range fields {
		var meta leaseMeta
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			continue
		}
		var env dispatch.Envelope
		if err := json.Unmarshal([]byte(meta.Payload), &env); err != nil {
			continue
		}
		out = append(out, LeaseInfo{
			TaskID:   meta.TaskID,
			Channel:  channel,
			Worker:   meta.Worker,
			State:    meta.State,
			Deadline: time.Unix(meta.Deadline, 0),
			Envelope: env,
		})
	}
	return out, nil
}

// FindLease locates a task's outstanding lease across channels.
func (q *Queue) FindLease(ctx context.Context, channels []string, taskID string) (LeaseInfo, bool, error) {
	for _, channel := range channels {
		meta, err := q.readMeta(ctx, channel, taskID)
		if errors.Is(err, ErrGone) {
			continue
		}
		if err != nil {
			return LeaseInfo{}, false, err
		}
		var env dispatch.Envelope
		if err := json.Unmarshal([]byte(meta.Payload), &env); err != nil {
			return LeaseInfo{}, false, fmt.Errorf("decode leased envelope: %w", err)
		}
		return LeaseInfo{
			TaskID:   meta.TaskID,
			Channel:  channel,
			Worker:   meta.Worker,
			State:    meta.State,
			Deadline: time.Unix(meta.Deadline, 0),
			Envelope: env,
		}, true, nil
	}
	return LeaseInfo{}, false, nil
}

// RequeueExpired returns every lease past its deadline to the head of
// its channel. Run periodically; this is what makes worker crashes
// recoverable.
func (q *Queue) RequeueExpired(ctx context.Context, channel string) (int, error) {
	fields, err := q.rdb.HGetAll(ctx, metaKey(channel)).Result()
	if err != nil {
		return 0, fmt.Errorf("scan leases: %w", err)
	}
	nowUnix := q.now().Unix()
	requeued := 0
	for taskID, raw := range fields {
		var meta leaseMeta
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			q.rdb.HDel(ctx, metaKey(channel), taskID)
			continue
		}
		if meta.Deadline > nowUnix {
			continue
		}
		removed, err := q.rdb.LRem(ctx, unackedKey(channel), 1, meta.Payload).Result()
		if err != nil {
			return requeued, fmt.Errorf("requeue remove: %w", err)
		}
		if err := q.rdb.HDel(ctx, metaKey(channel), taskID).Err(); err != nil {
			return requeued, fmt.Errorf("requeue meta: %w", err)
		}
		if removed > 0 {
			if err := q.rdb.RPush(ctx, queueKey(channel), meta.Payload).Err(); err != nil {
				return requeued, fmt.Errorf("requeue push: %w", err)
			}
			requeued++
		}
	}
	return requeued, nil
}

// Revoke flags a task as cancelled. Workers consult the flag before
// spawning and while the executable runs.
func (q *Queue) Revoke(ctx context.Context, taskID string) error {
	if err := q.rdb.Set(ctx, revokedKey(taskID), "1", revokeTTL).Err(); err != nil {
		return fmt.Errorf("revoke: %w", err)
	}
	return nil
}

// IsRevoked reports whether a task carries the cancellation flag.
func (q *Queue) IsRevoked(ctx context.Context, taskID string) (bool, error) {
	n, err := q.rdb.Exists(ctx, revokedKey(taskID)).Result()
	if err != nil {
		return false, fmt.Errorf("check revoked: %w", err)
	}
	return n > 0, nil
}

// Depth returns the undelivered backlog size of a channel.
func (q *Queue) Depth(ctx context.Context, channel string) (int64, error) {
	n, err := q.rdb.LLen(ctx, queueKey(channel)).Result()
	if err != nil {
		return 0, fmt.Errorf("depth: %w", err)
	}
	return n, nil
}
