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

package results

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"fherelay/pkg/dispatch"
)

func newStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, time.Hour), mr
}

func TestPutGetRoundTrip(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	want := dispatch.Outcome{
		Status:     dispatch.StatusSuccess,
		Stdout:     "ok",
		Stderr:     "",
		ReturnCode: 0,
		Duration:   1.25,
		Worker:     "worker-1",
		FinishedAt: time.Unix(1_700_000_000, 0).UTC(),
	}
	if err := s.Put(ctx, "job1", want); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, err := s.Get(ctx, "job1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != want.Status || got.Stdout != want.Stdout ||
		got.ReturnCode != want.ReturnCode || got.Worker != want.Worker ||
		!got.FinishedAt.Equal(want.FinishedAt) {
		t.Errorf("Get() = %+v, want %+v", got, want)
	}
}

func TestGetMissing(t *testing.T) {
	s, _ := newStore(t)
	if _, err := s.Get(context.Background(), "absent"); !errors.Is(err, ErrNoRecord) {
		t.Errorf("Get(absent) error = %v, want ErrNoRecord", err)
	}
}

func TestTTLExpiry(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()
	if err := s.Put(ctx, "job1", dispatch.Outcome{Status: dispatch.StatusSuccess}); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Hour)
	if _, err := s.Get(ctx, "job1"); !errors.Is(err, ErrNoRecord) {
		t.Errorf("Get() after TTL = %v, want ErrNoRecord", err)
	}
}

func TestDelete(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	if err := s.Put(ctx, "job1", dispatch.Outcome{Status: dispatch.StatusRevoked}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "job1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(ctx, "job1"); !errors.Is(err, ErrNoRecord) {
		t.Errorf("Get() after Delete = %v, want ErrNoRecord", err)
	}
	if err := s.Delete(ctx, "job1"); err != nil {
		t.Errorf("second Delete() error = %v, want nil", err)
	}
}
