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

package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"fherelay/pkg/dispatch"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newQueue(t *testing.T) (*Queue, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	return New(rdb, 60*time.Second, WithNow(clk.Now)), clk
}

func env(id string) dispatch.Envelope {
	return dispatch.Envelope{
		TaskID:      id,
		UID:         "uid-" + id,
		Task:        "weight_stats",
		Binary:      "weight_stats",
		SubmittedAt: time.Unix(1_700_000_000, 0).UTC(),
	}
}

func TestFIFOOrder(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, "usecases", env(id)); err != nil {
			t.Fatalf("Enqueue(%s) error = %v", id, err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		l, err := q.Lease(ctx, []string{"usecases"}, "w1")
		if err != nil {
			t.Fatalf("Lease() error = %v", err)
		}
		if l.Envelope.TaskID != want {
			t.Errorf("leased %q, want %q", l.Envelope.TaskID, want)
		}
	}
	if _, err := q.Lease(ctx, []string{"usecases"}, "w1"); !errors.Is(err, ErrEmpty) {
		t.Errorf("Lease() on drained channel = %v, want ErrEmpty", err)
	}
}

func TestLeaseScansChannelsInOrder(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	if err := q.Enqueue(ctx, "ads", env("only")); err != nil {
		t.Fatal(err)
	}
	l, err := q.Lease(ctx, []string{"usecases", "ads"}, "w1")
	if err != nil {
		t.Fatalf("Lease() error = %v", err)
	}
	if l.Channel != "ads" || l.Envelope.TaskID != "only" {
		t.Errorf("lease = %+v, want task only on ads", l)
	}
}

func TestAckSettlesLease(t *testing.T) {
	q, clk := newQueue(t)
	ctx := context.Background()
	if err := q.Enqueue(ctx, "usecases", env("a")); err != nil {
		t.Fatal(err)
	}
	l, err := q.Lease(ctx, []string{"usecases"}, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Ack(ctx, l); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}

	// Nothing left to requeue even far past the deadline.
	clk.now = clk.now.Add(time.Hour)
	n, err := q.RequeueExpired(ctx, "usecases")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("RequeueExpired() = %d after ack, want 0", n)
	}
	if err := q.Ack(ctx, l); !errors.Is(err, ErrGone) {
		t.Errorf("double Ack() = %v, want ErrGone", err)
	}
}

func TestNackRedeliversFirst(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	if err := q.Enqueue(ctx, "usecases", env("a")); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, "usecases", env("b")); err != nil {
		t.Fatal(err)
	}
	l, err := q.Lease(ctx, []string{"usecases"}, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Nack(ctx, l); err != nil {
		t.Fatalf("Nack() error = %v", err)
	}
	next, err := q.Lease(ctx, []string{"usecases"}, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if next.Envelope.TaskID != "a" {
		t.Errorf("after nack leased %q, want a", next.Envelope.TaskID)
	}
}

func TestVisibilityTimeoutRequeue(t *testing.T) {
	q, clk := newQueue(t)
	ctx := context.Background()
	if err := q.Enqueue(ctx, "usecases", env("a")); err != nil {
		t.Fatal(err)
	}
	l, err := q.Lease(ctx, []string{"usecases"}, "w1")
	if err != nil {
		t.Fatal(err)
	}

	// Before the deadline nothing moves.
	n, err := q.RequeueExpired(ctx, "usecases")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("RequeueExpired() = %d before deadline, want 0", n)
	}

	clk.now = clk.now.Add(61 * time.Second)
	n, err = q.RequeueExpired(ctx, "usecases")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("RequeueExpired() = %d, want 1", n)
	}

	redelivered, err := q.Lease(ctx, []string{"usecases"}, "w2")
	if err != nil {
		t.Fatalf("Lease() after requeue error = %v", err)
	}
	if redelivered.Envelope.TaskID != "a" {
		t.Errorf("redelivered %q, want a", redelivered.Envelope.TaskID)
	}

	// The original holder's lease is gone.
	if err := q.Ack(ctx, l); err == nil {
		t.Error("stale Ack() succeeded, want error")
	}
}

func TestExtendDefersRequeue(t *testing.T) {
	q, clk := newQueue(t)
	ctx := context.Background()
	if err := q.Enqueue(ctx, "usecases", env("a")); err != nil {
		t.Fatal(err)
	}
	l, err := q.Lease(ctx, []string{"usecases"}, "w1")
	if err != nil {
		t.Fatal(err)
	}

	clk.now = clk.now.Add(45 * time.Second)
	if err := q.Extend(ctx, l); err != nil {
		t.Fatalf("Extend() error = %v", err)
	}

	clk.now = clk.now.Add(45 * time.Second) // 90s total, 30s into the extension
	n, err := q.RequeueExpired(ctx, "usecases")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("RequeueExpired() = %d after extension, want 0", n)
	}
}

func TestMarkStartedState(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	if err := q.Enqueue(ctx, "usecases", env("a")); err != nil {
		t.Fatal(err)
	}
	l, err := q.Lease(ctx, []string{"usecases"}, "w1")
	if err != nil {
		t.Fatal(err)
	}

	info, ok, err := q.FindLease(ctx, []string{"usecases"}, "a")
	if err != nil || !ok {
		t.Fatalf("FindLease() = %v, %v", ok, err)
	}
	if info.State != StateReserved {
		t.Errorf("fresh lease state = %q, want reserved", info.State)
	}

	if err := q.MarkStarted(ctx, l); err != nil {
		t.Fatalf("MarkStarted() error = %v", err)
	}
	info, ok, err = q.FindLease(ctx, []string{"usecases"}, "a")
	if err != nil || !ok {
		t.Fatalf("FindLease() = %v, %v", ok, err)
	}
	if info.State != StateStarted {
		t.Errorf("state = %q, want started", info.State)
	}
	if info.Worker != "w1" {
		t.Errorf("worker = %q, want w1", info.Worker)
	}
}

func TestInspectPositions(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, "usecases", env(id)); err != nil {
			t.Fatal(err)
		}
	}
	jobs, err := q.Inspect(ctx, "usecases")
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("Inspect() returned %d jobs, want 3", len(jobs))
	}
	for i, want := range []string{"a", "b", "c"} {
		if jobs[i].Envelope.TaskID != want {
			t.Errorf("jobs[%d] = %q, want %q", i, jobs[i].Envelope.TaskID, want)
		}
		if jobs[i].Position != i+1 || jobs[i].Total != 3 {
			t.Errorf("jobs[%d] position = %d/%d, want %d/3", i, jobs[i].Position, jobs[i].Total, i+1)
		}
	}

	job, ok, err := q.FindQueued(ctx, "usecases", "b")
	if err != nil || !ok {
		t.Fatalf("FindQueued(b) = %v, %v", ok, err)
	}
	if job.Position != 2 {
		t.Errorf("FindQueued(b).Position = %d, want 2", job.Position)
	}
}

func TestRemoveQueued(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if err := q.Enqueue(ctx, "usecases", env(id)); err != nil {
			t.Fatal(err)
		}
	}
	removed, err := q.RemoveQueued(ctx, "usecases", "a")
	if err != nil {
		t.Fatalf("RemoveQueued() error = %v", err)
	}
	if !removed {
		t.Fatal("RemoveQueued() = false, want true")
	}
	l, err := q.Lease(ctx, []string{"usecases"}, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if l.Envelope.TaskID != "b" {
		t.Errorf("leased %q after removal, want b", l.Envelope.TaskID)
	}

	removed, err = q.RemoveQueued(ctx, "usecases", "absent")
	if err != nil {
		t.Fatal(err)
	}
	if removed {
		t.Error("RemoveQueued(absent) = true, want false")
	}
}

func TestRevokeFlag(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	ok, err := q.IsRevoked(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("IsRevoked() = true before Revoke")
	}
	if err := q.Revoke(ctx, "a"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	ok, err = q.IsRevoked(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("IsRevoked() = false after Revoke")
	}
}

func TestDepthAndActiveLeases(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if err := q.Enqueue(ctx, "usecases", env(id)); err != nil {
			t.Fatal(err)
		}
	}
	n, err := q.Depth(ctx, "usecases")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("Depth() = %d, want 2", n)
	}

	if _, err := q.Lease(ctx, []string{"usecases"}, "w1"); err != nil {
		t.Fatal(err)
	}
	leases, err := q.ActiveLeases(ctx, "usecases")
	if err != nil {
		t.Fatal(err)
	}
	if len(leases) != 1 || leases[0].TaskID != "a" {
		t.Errorf("ActiveLeases() = %+v, want task a", leases)
	}
	if leases[0].Envelope.UID != "uid-a" {
		t.Errorf("lease envelope uid = %q, want uid-a", leases[0].Envelope.UID)
	}
}
