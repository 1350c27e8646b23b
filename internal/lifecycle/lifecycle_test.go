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

package lifecycle

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"fherelay/internal/journal"
	"fherelay/internal/objstore"
	"fherelay/internal/queue"
	"fherelay/internal/registry"
	"fherelay/internal/results"
	"fherelay/pkg/dispatch"
)

const testCatalogue = `
tasks:
  weight_stats:
    binary: weight_stats
    response_type: stream
    output_files:
      - filename: "{uid}.weight_stats.output.fheencrypted"
  sleep_survey:
    binary: sleep_bin
    response_type: json
    output_files:
      - filename: "{uid}.sleep.summary.output"
        key: summary
        response_type: utf8
      - filename: "{uid}.sleep.raw.output.fheencrypted"
        key: raw
`

type fixture struct {
	engine  *Engine
	queue   *queue.Queue
	results *results.Store
	store   *objstore.Store
	journal *journal.Journal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	broker := redis.NewClient(&redis.Options{Addr: mr.Addr(), DB: 0})
	backend := redis.NewClient(&redis.Options{Addr: mr.Addr(), DB: 1})
	t.Cleanup(func() { broker.Close(); backend.Close() })

	q := queue.New(broker, 60*time.Second)
	res := results.New(backend, time.Hour)
	store, err := objstore.New(t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	jrnl, err := journal.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { jrnl.Close() })
	reg, err := registry.Parse([]byte(testCatalogue))
	if err != nil {
		t.Fatal(err)
	}

	log := slog.New(slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))
	engine := New(q, res, store, jrnl, reg, []string{"usecases"}, log,
		WithGrace(50*time.Millisecond, 5*time.Millisecond))
	return &fixture{engine: engine, queue: q, results: res, store: store, journal: jrnl}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSpace(string(p)))
	return len(p), nil
}

func (f *fixture) submit(t *testing.T, taskID, uid, task string) {
	t.Helper()
	ctx := context.Background()
	env := dispatch.Envelope{TaskID: taskID, UID: uid, Task: task, Binary: task, SubmittedAt: time.Now().UTC()}
	if err := f.queue.Enqueue(ctx, "usecases", env); err != nil {
		t.Fatal(err)
	}
	err := f.journal.Record(ctx, journal.Entry{
		TaskID: taskID, UID: uid, Task: task, Channel: "usecases", SubmittedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestStatusQueuedPosition(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "job1", "uid1", "weight_stats")
	f.submit(t, "job2", "uid2", "weight_stats")

	report := f.engine.Status(context.Background(), "job2", "uid2")
	if report.Status != dispatch.StatusQueued {
		t.Fatalf("Status = %q, want queued", report.Status)
	}
	if !strings.Contains(report.Details, "position 2/2") {
		t.Errorf("Details = %q, want position 2/2", report.Details)
	}
}

func TestStatusPrefersQueueOverStaleRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "job1", "uid1", "weight_stats")
	// A stale record from a previous delivery attempt must not mask
	// the requeued copy.
	if err := f.results.Put(ctx, "job1", dispatch.Outcome{Status: dispatch.StatusFailure}); err != nil {
		t.Fatal(err)
	}
	report := f.engine.Status(ctx, "job1", "uid1")
	if report.Status != dispatch.StatusQueued {
		t.Errorf("Status = %q, want queued", report.Status)
	}
}

func TestStatusLeaseStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "job1", "uid1", "weight_stats")

	lease, err := f.queue.Lease(ctx, []string{"usecases"}, "worker-1")
	if err != nil {
		t.Fatal(err)
	}

	report := f.engine.Status(ctx, "job1", "uid1")
	if report.Status != dispatch.StatusReserved {
		t.Fatalf("Status = %q, want reserved", report.Status)
	}
	if report.Worker == nil || *report.Worker != "worker-1" {
		t.Errorf("Worker = %v, want worker-1", report.Worker)
	}

	if err := f.queue.MarkStarted(ctx, lease); err != nil {
		t.Fatal(err)
	}
	report = f.engine.Status(ctx, "job1", "uid1")
	if report.Status != dispatch.StatusStarted {
		t.Errorf("Status = %q, want started", report.Status)
	}
	if report.Details != "Task is still in progress." {
		t.Errorf("Details = %q", report.Details)
	}
}

func TestStatusTerminalOutcomes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.results.Put(ctx, "ok", dispatch.Outcome{Status: dispatch.StatusSuccess, Worker: "w1"}); err != nil {
		t.Fatal(err)
	}
	report := f.engine.Status(ctx, "ok", "uid1")
	if report.Status != dispatch.StatusSuccess || report.Details != "Task successfully completed." {
		t.Errorf("success report = %+v", report)
	}

	if err := f.results.Put(ctx, "bad", dispatch.Outcome{Status: dispatch.StatusFailure, Stderr: "panic in circuit"}); err != nil {
		t.Fatal(err)
	}
	report = f.engine.Status(ctx, "bad", "uid1")
	if report.Status != dispatch.StatusFailure {
		t.Fatalf("Status = %q, want failure", report.Status)
	}
	if !strings.Contains(report.Details, "panic in circuit") {
		t.Errorf("failure Details = %q", report.Details)
	}
}

func TestStatusCompletedFromBackup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.store.Write("uid1.weight_stats.output.fheencrypted", strings.NewReader("ct")); err != nil {
		t.Fatal(err)
	}
	bname := objstore.BackupName("{uid}.weight_stats.output.fheencrypted", "uid1", "job1", "weight_stats")
	if err := f.store.Promote("uid1.weight_stats.output.fheencrypted", bname); err != nil {
		t.Fatal(err)
	}

	report := f.engine.Status(ctx, "job1", "uid1")
	if report.Status != dispatch.StatusCompleted {
		t.Fatalf("Status = %q, want completed", report.Status)
	}
	if !strings.HasPrefix(report.Details, "Task completed on ") {
		t.Errorf("Details = %q", report.Details)
	}
	if len(report.OutputFiles) != 1 || report.OutputFiles[0] != bname {
		t.Errorf("OutputFiles = %v, want [%s]", report.OutputFiles, bname)
	}
}

func TestStatusUnknownWithJournalHint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	report := f.engine.Status(ctx, "ghost", "uid1")
	if report.Status != dispatch.StatusUnknown {
		t.Fatalf("Status = %q, want unknown", report.Status)
	}
	if !strings.Contains(report.Details, "may not exist or has expired") {
		t.Errorf("Details = %q", report.Details)
	}

	submitted := time.Unix(1_700_000_000, 0).UTC()
	err := f.journal.Record(ctx, journal.Entry{
		TaskID: "forgotten", UID: "uid1", Task: "weight_stats", Channel: "usecases", SubmittedAt: submitted,
	})
	if err != nil {
		t.Fatal(err)
	}
	report = f.engine.Status(ctx, "forgotten", "uid1")
	if !strings.Contains(report.Details, "Last submitted at "+submitted.Format(time.RFC3339)) {
		t.Errorf("Details = %q, want journal hint", report.Details)
	}
}

func TestCancelQueued(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "job1", "uid1", "weight_stats")

	report := f.engine.Cancel(ctx, "job1", "uid1")
	if report.Status != dispatch.StatusRevoked {
		t.Fatalf("Cancel() status = %q, want revoked", report.Status)
	}
	if report.Details != "Successfully cancelled the task." {
		t.Errorf("Details = %q", report.Details)
	}

	// The envelope left the queue and the flag is set.
	if _, err := f.queue.Lease(ctx, []string{"usecases"}, "w1"); !errors.Is(err, queue.ErrEmpty) {
		t.Errorf("Lease() after cancel = %v, want ErrEmpty", err)
	}
	revoked, err := f.queue.IsRevoked(ctx, "job1")
	if err != nil || !revoked {
		t.Errorf("IsRevoked() = %v, %v, want true", revoked, err)
	}

	// Terminal and sticky.
	if got := f.engine.Status(ctx, "job1", "uid1"); got.Status != dispatch.StatusRevoked {
		t.Errorf("Status after cancel = %q, want revoked", got.Status)
	}
}

func TestCancelTerminalRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.results.Put(ctx, "done", dispatch.Outcome{Status: dispatch.StatusSuccess}); err != nil {
		t.Fatal(err)
	}

	report := f.engine.Cancel(ctx, "done", "uid1")
	if report.Status != dispatch.StatusSuccess {
		t.Errorf("Cancel() status = %q, want success preserved", report.Status)
	}
	if !strings.HasPrefix(report.Details, "Cannot cancel this task: ") {
		t.Errorf("Details = %q, want refusal prefix", report.Details)
	}
}

func TestCancelStartedWritesRevokedAfterGrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "job1", "uid1", "weight_stats")
	lease, err := f.queue.Lease(ctx, []string{"usecases"}, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.queue.MarkStarted(ctx, lease); err != nil {
		t.Fatal(err)
	}

	report := f.engine.Cancel(ctx, "job1", "uid1")
	if report.Status != dispatch.StatusRevoked {
		t.Fatalf("Cancel() status = %q, want revoked", report.Status)
	}
	out, err := f.results.Get(ctx, "job1")
	if err != nil {
		t.Fatalf("no revoked record: %v", err)
	}
	if out.Status != dispatch.StatusRevoked {
		t.Errorf("record status = %q, want revoked", out.Status)
	}
}

func TestListCurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "job1", "uid1", "weight_stats")
	f.submit(t, "job2", "uid2", "weight_stats")
	if _, err := f.queue.Lease(ctx, []string{"usecases"}, "w1"); err != nil {
		t.Fatal(err)
	}

	reports, err := f.engine.ListCurrent(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(reports) != 2 {
		t.Fatalf("ListCurrent() returned %d, want 2", len(reports))
	}
	byID := map[string]dispatch.Status{}
	for _, r := range reports {
		byID[r.TaskID] = r.Status
	}
	if byID["job1"] != dispatch.StatusReserved {
		t.Errorf("job1 = %q, want reserved", byID["job1"])
	}
	if byID["job2"] != dispatch.StatusQueued {
		t.Errorf("job2 = %q, want queued", byID["job2"])
	}
}

func TestGetResultStreamPromotesBackup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "job1", "uid1", "weight_stats")
	lease, err := f.queue.Lease(ctx, []string{"usecases"}, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.store.Write("uid1.weight_stats.output.fheencrypted", strings.NewReader("ciphertext")); err != nil {
		t.Fatal(err)
	}
	if err := f.results.Put(ctx, "job1", dispatch.Outcome{Status: dispatch.StatusSuccess, UID: "uid1", Task: "weight_stats", Worker: "w1", Stderr: "eval done"}); err != nil {
		t.Fatal(err)
	}
	if err := f.queue.Ack(ctx, lease); err != nil {
		t.Fatal(err)
	}

	d, report, err := f.engine.GetResult(ctx, "job1", "uid1", "")
	if err != nil {
		t.Fatalf("GetResult() error = %v", err)
	}
	if d == nil || d.Shape != registry.ResponseStream {
		t.Fatalf("delivery = %+v, want stream", d)
	}
	if string(d.Content) != "ciphertext" {
		t.Errorf("Content = %q", d.Content)
	}
	if d.Filename != "uid1.weight_stats.output.fheencrypted" {
		t.Errorf("Filename = %q", d.Filename)
	}
	if d.TaskID != "job1" || d.UID != "uid1" {
		t.Errorf("identity = (%q, %q)", d.TaskID, d.UID)
	}
	if d.Worker != "w1" || d.Stderr != "eval done" {
		t.Errorf("diagnostics = (%q, %q)", d.Worker, d.Stderr)
	}
	if report.Status != dispatch.StatusSuccess {
		t.Errorf("report status = %q", report.Status)
	}

	// First fetch promoted the artifact; after the record expires the
	// task still resolves from the backup copy.
	if err := f.results.Delete(ctx, "job1"); err != nil {
		t.Fatal(err)
	}
	report = f.engine.Status(ctx, "job1", "uid1")
	if report.Status != dispatch.StatusCompleted {
		t.Fatalf("Status after expiry = %q, want completed", report.Status)
	}
	d, _, err = f.engine.GetResult(ctx, "job1", "uid1", "")
	if err != nil {
		t.Fatalf("GetResult() from backup error = %v", err)
	}
	if d == nil || d.Source != "backup" || string(d.Content) != "ciphertext" {
		t.Errorf("backup delivery = %+v", d)
	}
	// The record is gone, so only identity survives into the delivery.
	if d.TaskID != "job1" || d.UID != "uid1" || d.Worker != "" {
		t.Errorf("backup identity = (%q, %q, %q)", d.TaskID, d.UID, d.Worker)
	}
}

func TestGetResultJSONShape(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "job1", "uid1", "sleep_survey")
	if _, err := f.queue.Lease(ctx, []string{"usecases"}, "w1"); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Write("uid1.sleep.summary.output", strings.NewReader("7h30m avg")); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Write("uid1.sleep.raw.output.fheencrypted", strings.NewReader("\x01\x02")); err != nil {
		t.Fatal(err)
	}
	if err := f.results.Put(ctx, "job1", dispatch.Outcome{Status: dispatch.StatusSuccess, UID: "uid1", Task: "sleep_survey"}); err != nil {
		t.Fatal(err)
	}

	d, _, err := f.engine.GetResult(ctx, "job1", "uid1", "")
	if err != nil {
		t.Fatalf("GetResult() error = %v", err)
	}
	if d == nil || d.Shape != registry.ResponseJSON {
		t.Fatalf("delivery = %+v, want json", d)
	}
	if d.JSON["summary"] != "7h30m avg" {
		t.Errorf("summary = %q, want utf8 passthrough", d.JSON["summary"])
	}
	if d.JSON["raw"] != base64.StdEncoding.EncodeToString([]byte("\x01\x02")) {
		t.Errorf("raw = %q, want base64", d.JSON["raw"])
	}
	if d.TaskID != "job1" || d.UID != "uid1" {
		t.Errorf("identity = (%q, %q)", d.TaskID, d.UID)
	}
}

func TestGetResultMissingArtifact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "job1", "uid1", "weight_stats")
	if _, err := f.queue.Lease(ctx, []string{"usecases"}, "w1"); err != nil {
		t.Fatal(err)
	}
	if err := f.results.Put(ctx, "job1", dispatch.Outcome{Status: dispatch.StatusSuccess, UID: "uid1", Task: "weight_stats"}); err != nil {
		t.Fatal(err)
	}

	_, _, err := f.engine.GetResult(ctx, "job1", "uid1", "")
	var missing *MissingArtifactError
	if !errors.As(err, &missing) {
		t.Fatalf("GetResult() error = %v, want MissingArtifactError", err)
	}
	if !strings.Contains(missing.Name, "uid1.weight_stats.output.fheencrypted") {
		t.Errorf("missing artifact = %q", missing.Name)
	}
}

func TestGetResultNonTerminalNoDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "job1", "uid1", "weight_stats")

	d, report, err := f.engine.GetResult(ctx, "job1", "uid1", "")
	if err != nil {
		t.Fatal(err)
	}
	if d != nil {
		t.Errorf("delivery = %+v, want nil for queued task", d)
	}
	if report.Status != dispatch.StatusQueued {
		t.Errorf("report = %q, want queued", report.Status)
	}
}
