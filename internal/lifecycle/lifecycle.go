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

// Package lifecycle reconciles a task's state across the broker, the
// result store, the outstanding worker leases, and the backup area.
// The consultation order is fixed; the first source that knows the
// task wins, which keeps terminal statuses monotonic even while
// brokers forget delivered messages and result records expire.
package lifecycle

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fherelay/internal/journal"
	"fherelay/internal/metrics"
	"fherelay/internal/objstore"
	"fherelay/internal/queue"
	"fherelay/internal/registry"
	"fherelay/internal/results"
	"fherelay/pkg/dispatch"
)

// Detail strings are wire-visible; clients match on them.
const (
	detailStarted  = "Task is still in progress."
	detailReserved = "Task is reserved by a worker and about to start."
	detailSuccess  = "Task successfully completed."
	detailRevoked  = "Successfully cancelled the task."
	detailUnknown  = "Task not found in the broker, backend, or result cache. Task may not exist or has expired."

	cannotCancelPrefix = "Cannot cancel this task: "
)

// MissingArtifactError reports a declared output the executable never
// produced.
type MissingArtifactError struct {
	Name string
}

func (e *MissingArtifactError) Error() string {
	return fmt.Sprintf("missing output artifact %q", e.Name)
}

// Delivery is a result payload ready for the HTTP layer. Exactly one
// of Content (stream shape) or JSON (json shape) is populated.
type Delivery struct {
	Shape    registry.ResponseType
	Filename string            // stream: suggested download filename
	Content  []byte            // stream: raw ciphertext bytes
	JSON     map[string]string // json: configured key -> encoded output
	Source   string            // "live" or "backup"

	// Identity and diagnostics carried alongside the payload: headers
	// on a stream, top-level fields in a json object. Worker and
	// Stderr are empty when the result record has already expired.
	TaskID string
	UID    string
	Worker string
	Stderr string
}

// Engine answers status, cancellation, and retrieval questions.
type Engine struct {
	queue    *queue.Queue
	results  *results.Store
	store    *objstore.Store
	journal  *journal.Journal
	registry *registry.Registry
	channels []string
	log      *slog.Logger

	grace     time.Duration
	gracePoll time.Duration
	now       func() time.Time
}

// Option adjusts an Engine at construction.
type Option func(*Engine)

// WithGrace overrides the cancellation grace window, for tests.
func WithGrace(grace, poll time.Duration) Option {
	return func(e *Engine) { e.grace, e.gracePoll = grace, poll }
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New wires an Engine over the four state sources.
func New(q *queue.Queue, res *results.Store, store *objstore.Store, jrnl *journal.Journal, reg *registry.Registry, channels []string, log *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		queue:     q,
		results:   res,
		store:     store,
		journal:   jrnl,
		registry:  reg,
		channels:  channels,
		log:       log.With("component", "lifecycle"),
		grace:     2 * time.Second,
		gracePoll: 100 * time.Millisecond,
		now:       time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Status reconciles the current state of one task. Broker or backend
// outages degrade into the details string; polling never fails hard.
func (e *Engine) Status(ctx context.Context, taskID, uid string) dispatch.StatusReport {
	var degraded []string

	// 1. Undelivered broker backlog.
	for _, channel := range e.channels {
		job, ok, err := e.queue.FindQueued(ctx, channel, taskID)
		if err != nil {
			degraded = append(degraded, "broker unavailable")
			e.log.Warn("broker inspect failed", "task", taskID, "err", err)
			break
		}
		if ok {
			detail := fmt.Sprintf("Task is in the Redis broker queue (position %d/%d).", job.Position, job.Total)
			return dispatch.NewReport(taskID, uid, dispatch.StatusQueued, detail)
		}
	}

	// 2. Terminal outcomes.
	out, err := e.results.Get(ctx, taskID)
	switch {
	case err == nil:
		return e.terminalReport(ctx, taskID, uid, out)
	case errors.Is(err, results.ErrNoRecord):
	default:
		degraded = append(degraded, "result store unavailable")
		e.log.Warn("result fetch failed", "task", taskID, "err", err)
	}

	// 3. Outstanding leases.
	lease, ok, err := e.queue.FindLease(ctx, e.channels, taskID)
	if err != nil {
		degraded = append(degraded, "lease scan failed")
		e.log.Warn("lease scan failed", "task", taskID, "err", err)
	} else if ok {
		status := dispatch.StatusStarted
		detail := detailStarted
		if lease.State == queue.StateReserved {
			status = dispatch.StatusReserved
			detail = detailReserved
		}
		return dispatch.NewReport(taskID, uid, status, detail).WithWorker(lease.Worker)
	}

	// 4. Promoted backups outlive the result record.
	backups, err := e.store.FindBackups(uid, taskID)
	if err == nil && len(backups) > 0 {
		latest := backups[0].ModTime
		names := make([]string, len(backups))
		for i, b := range backups {
			names[i] = b.Name
			if b.ModTime.After(latest) {
				latest = b.ModTime
			}
		}
		detail := fmt.Sprintf("Task completed on %s.", latest.UTC().Format(time.RFC3339))
		report := dispatch.NewReport(taskID, uid, dispatch.StatusCompleted, detail)
		report.OutputFiles = names
		e.stampTerminal(ctx, taskID, dispatch.StatusCompleted)
		return report
	}

	// 5. Nothing knows the task.
	detail := detailUnknown
	if e.journal != nil {
		if entry, err := e.journal.Get(ctx, taskID); err == nil {
			detail += fmt.Sprintf(" Last submitted at %s.", entry.SubmittedAt.UTC().Format(time.RFC3339))
		}
	}
	for _, d := range degraded {
		detail += " (" + d + ")"
	}
	return dispatch.NewReport(taskID, uid, dispatch.StatusUnknown, detail)
}

func (e *Engine) terminalReport(ctx context.Context, taskID, uid string, out dispatch.Outcome) dispatch.StatusReport {
	var report dispatch.StatusReport
	switch out.Status {
	case dispatch.StatusSuccess:
		report = dispatch.NewReport(taskID, uid, dispatch.StatusSuccess, detailSuccess)
	case dispatch.StatusFailure:
		detail := out.Detail
		if detail == "" {
			detail = out.Stderr
		}
		report = dispatch.NewReport(taskID, uid, dispatch.StatusFailure, fmt.Sprintf("Task failed: %s.", detail))
	case dispatch.StatusRevoked:
		report = dispatch.NewReport(taskID, uid, dispatch.StatusRevoked, detailRevoked)
	default:
		report = dispatch.NewReport(taskID, uid, out.Status, out.Detail)
	}
	e.stampTerminal(ctx, taskID, out.Status)
	return report.WithWorker(out.Worker)
}

func (e *Engine) stampTerminal(ctx context.Context, taskID string, status dispatch.Status) {
	if e.journal == nil || !status.IsTerminal() {
		return
	}
	if err := e.journal.MarkTerminal(ctx, taskID, status.String(), e.now()); err != nil {
		e.log.Warn("journal stamp failed", "task", taskID, "err", err)
	}
}

// Cancel requests cancellation of a task. Terminal tasks refuse; the
// refusal report carries the current state with a prefixed detail.
// Non-terminal tasks get the revoke flag, a bounded grace period for
// a running executable to die, and a terminal REVOKED record.
func (e *Engine) Cancel(ctx context.Context, taskID, uid string) dispatch.StatusReport {
	current := e.Status(ctx, taskID, uid)
	if current.Status.IsTerminal() || current.Status == dispatch.StatusUnknown {
		current.Details = cannotCancelPrefix + current.Details
		return current
	}

	if err := e.queue.Revoke(ctx, taskID); err != nil {
		current.Details = cannotCancelPrefix + "broker unavailable."
		e.log.Error("revoke flag failed", "task", taskID, "err", err)
		return current
	}

	if current.Status == dispatch.StatusQueued {
		for _, channel := range e.channels {
			removed, err := e.queue.RemoveQueued(ctx, channel, taskID)
			if err != nil {
				e.log.Warn("queued removal failed", "task", taskID, "channel", channel, "err", err)
				continue
			}
			if removed {
				break
			}
		}
	} else {
		// Give a running executable one grace window to be killed
		// and its worker to settle before we write the record.
		deadline := e.now().Add(e.grace)
	wait:
		for e.now().Before(deadline) {
			if out, err := e.results.Get(ctx, taskID); err == nil && out.Status.IsTerminal() {
				if out.Status != dispatch.StatusRevoked {
					// The executable finished before the flag tripped.
					report := e.terminalReport(ctx, taskID, uid, out)
					report.Details = cannotCancelPrefix + report.Details
					return report
				}
				break
			}
			select {
			case <-ctx.Done():
				break wait
			case <-time.After(e.gracePoll):
			}
		}
	}

	outcome := dispatch.Outcome{
		Status:     dispatch.StatusRevoked,
		UID:        uid,
		Detail:     detailRevoked,
		FinishedAt: e.now().UTC(),
	}
	if err := e.results.Put(ctx, taskID, outcome); err != nil {
		e.log.Error("revoked record write failed", "task", taskID, "err", err)
	}
	e.stampTerminal(ctx, taskID, dispatch.StatusRevoked)
	metrics.IncRevocation()
	return dispatch.NewReport(taskID, uid, dispatch.StatusRevoked, detailRevoked)
}

// ListCurrent reports every broker-visible task: the undelivered
// backlog plus outstanding leases, across all channels.
func (e *Engine) ListCurrent(ctx context.Context) ([]dispatch.StatusReport, error) {
	var out []dispatch.StatusReport
	for _, channel := range e.channels {
		jobs, err := e.queue.Inspect(ctx, channel)
		if err != nil {
			return nil, fmt.Errorf("inspect %s: %w", channel, err)
		}
		for _, j := range jobs {
			detail := fmt.Sprintf("Task is in the Redis broker queue (position %d/%d).", j.Position, j.Total)
			out = append(out, dispatch.NewReport(j.Envelope.TaskID, j.Envelope.UID, dispatch.StatusQueued, detail))
		}
		leases, err := e.queue.ActiveLeases(ctx, channel)
		if err != nil {
			return nil, fmt.Errorf("leases %s: %w", channel, err)
		}
		for _, l := range leases {
			status := dispatch.StatusStarted
			detail := detailStarted
			if l.State == queue.StateReserved {
				status = dispatch.StatusReserved
				detail = detailReserved
			}
			out = append(out, dispatch.NewReport(l.TaskID, l.Envelope.UID, status, detail).WithWorker(l.Worker))
		}
	}
	return out, nil
}

// GetResult returns the delivery payload for a finished task, or nil
// with the current status report when no payload is available. On the
// first successful fetch the live outputs are promoted into the
// backup area. taskHint is the client-supplied use-case name; when
// empty the journal resolves it.
func (e *Engine) GetResult(ctx context.Context, taskID, uid, taskHint string) (*Delivery, dispatch.StatusReport, error) {
	report := e.Status(ctx, taskID, uid)
	switch report.Status {
	case dispatch.StatusSuccess:
		d, err := e.deliverLive(ctx, taskID, uid, taskHint)
		if err != nil {
			return nil, report, err
		}
		report.OutputFiles = deliveredNames(d)
		e.decorate(ctx, d, taskID, uid, report)
		metrics.IncDelivery(string(d.Shape), d.Source)
		return d, report, nil
	case dispatch.StatusCompleted:
		d, err := e.deliverBackup(ctx, taskID, uid, taskHint)
		if err != nil {
			return nil, report, err
		}
		e.decorate(ctx, d, taskID, uid, report)
		metrics.IncDelivery(string(d.Shape), d.Source)
		return d, report, nil
	default:
		return nil, report, nil
	}
}

// decorate threads identity and the worker's diagnostics into the
// delivery. The result record is consulted best-effort; a backup-only
// delivery simply carries empty worker and stderr fields.
func (e *Engine) decorate(ctx context.Context, d *Delivery, taskID, uid string, report dispatch.StatusReport) {
	d.TaskID, d.UID = taskID, uid
	if report.Worker != nil {
		d.Worker = *report.Worker
	}
	if out, err := e.results.Get(ctx, taskID); err == nil {
		d.Stderr = out.Stderr
		if d.Worker == "" {
			d.Worker = out.Worker
		}
	}
}

func deliveredNames(d *Delivery) []string {
	if d.Shape == registry.ResponseStream {
		return []string{d.Filename}
	}
	names := make([]string, 0, len(d.JSON))
	for k := range d.JSON {
		names = append(names, k)
	}
	return names
}

func (e *Engine) deliverLive(ctx context.Context, taskID, uid, taskHint string) (*Delivery, error) {
	uc, err := e.useCaseFor(ctx, taskID, taskHint)
	if err != nil {
		return nil, err
	}

	d := &Delivery{Shape: uc.ResponseType, Source: "live"}
	if uc.ResponseType == registry.ResponseJSON {
		d.JSON = make(map[string]string, len(uc.Outputs))
	}
	for _, out := range uc.Outputs {
		name := registry.RenderTemplate(out.Filename, uid, uc.Name)
		content, err := e.store.Read(name)
		if errors.Is(err, objstore.ErrNotFound) {
			return nil, &MissingArtifactError{Name: name}
		}
		if err != nil {
			return nil, fmt.Errorf("read artifact %s: %w", name, err)
		}
		switch uc.ResponseType {
		case registry.ResponseStream:
			d.Filename = name
			d.Content = content
		case registry.ResponseJSON:
			d.JSON[out.Key] = encodeOutput(content, out.Encoding)
		}
		bname := objstore.BackupName(out.Filename, uid, taskID, uc.Name)
		if err := e.store.Promote(name, bname); err != nil {
			e.log.Warn("backup promotion failed", "task", taskID, "artifact", name, "err", err)
		}
	}
	return d, nil
}

func (e *Engine) deliverBackup(ctx context.Context, taskID, uid, taskHint string) (*Delivery, error) {
	backups, err := e.store.FindBackups(uid, taskID)
	if err != nil {
		return nil, fmt.Errorf("scan backups: %w", err)
	}
	if len(backups) == 0 {
		return nil, &MissingArtifactError{Name: objstore.BackupPrefix + uid + "." + taskID}
	}

	// The registry shape applies when the use case is still known;
	// otherwise a single backup streams and several become JSON
	// keyed by filename.
	shape := registry.ResponseStream
	rendering := map[string]registry.Output{}
	if uc, err := e.useCaseFor(ctx, taskID, taskHint); err == nil {
		shape = uc.ResponseType
		for _, out := range uc.Outputs {
			rendering[objstore.BackupName(out.Filename, uid, taskID, uc.Name)] = out
		}
	} else if len(backups) > 1 {
		shape = registry.ResponseJSON
	}

	d := &Delivery{Shape: shape, Source: "backup"}
	if shape == registry.ResponseStream {
		content, err := e.store.ReadBackup(backups[0].Name)
		if err != nil {
			return nil, fmt.Errorf("read backup %s: %w", backups[0].Name, err)
		}
		d.Filename = backups[0].Name
		d.Content = content
		return d, nil
	}

	d.JSON = make(map[string]string, len(backups))
	for _, b := range backups {
		content, err := e.store.ReadBackup(b.Name)
		if err != nil {
			return nil, fmt.Errorf("read backup %s: %w", b.Name, err)
		}
		key, enc := b.Name, registry.EncodingBase64
		if out, ok := rendering[b.Name]; ok {
			key, enc = out.Key, out.Encoding
		}
		d.JSON[key] = encodeOutput(content, enc)
	}
	return d, nil
}

// useCaseFor resolves the registry entry of a task id, preferring the
// client-supplied name and falling back to the journal. Fails when
// neither knows the submission or the catalogue dropped the use case.
func (e *Engine) useCaseFor(ctx context.Context, taskID, taskHint string) (registry.UseCase, error) {
	name := taskHint
	if name == "" {
		if e.journal == nil {
			return registry.UseCase{}, errors.New("no journal configured")
		}
		entry, err := e.journal.Get(ctx, taskID)
		if err != nil {
			return registry.UseCase{}, fmt.Errorf("journal lookup: %w", err)
		}
		name = entry.Task
	}
	uc, ok := e.registry.Lookup(name)
	if !ok {
		return registry.UseCase{}, fmt.Errorf("use case %q not registered", name)
	}
	return uc, nil
}

func encodeOutput(content []byte, enc registry.Encoding) string {
	if enc == registry.EncodingUTF8 {
		return string(content)
	}
	return base64.StdEncoding.EncodeToString(content)
}
