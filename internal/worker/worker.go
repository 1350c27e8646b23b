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

// Package worker runs the execution side of the service: it leases
// envelopes from the broker, spawns the use case's executable in the
// shared directory, publishes the outcome, and only then acks. A
// worker that dies mid-run simply stops extending its lease and the
// visibility timeout returns the envelope to the channel.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sync/errgroup"

	"fherelay/internal/metrics"
	"fherelay/internal/objstore"
	"fherelay/internal/queue"
	"fherelay/internal/registry"
	"fherelay/internal/results"
	"fherelay/pkg/dispatch"
)

// ExecFunc runs one executable invocation. Implementations must honor
// ctx cancellation by killing the subprocess.
type ExecFunc func(ctx context.Context, dir, binary, uid string) (stdout, stderr string, code int, err error)

// DefaultExec invokes ./<binary> <uid> in dir with a minimal
// environment. Ciphertext never crosses the process boundary; the
// executable reads and writes the shared directory itself.
func DefaultExec(ctx context.Context, dir, binary, uid string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "./"+binary, uid)
	cmd.Dir = dir
	cmd.Env = []string{"PATH=" + os.Getenv("PATH")}
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	code := 0
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		code = exitErr.ExitCode()
		err = nil
	default:
		code = -1
	}
	return outBuf.String(), errBuf.String(), code, err
}

// Config tunes one Worker.
type Config struct {
	ID                string
	Channels          []string
	Concurrency       int
	Prefetch          int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	RevokePoll        time.Duration
}

func (c *Config) setDefaults(visibility time.Duration) {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.Prefetch < 1 {
		c.Prefetch = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = visibility / 2
	}
	if c.RevokePoll <= 0 {
		c.RevokePoll = 500 * time.Millisecond
	}
	if len(c.Channels) == 0 {
		c.Channels = []string{registry.DefaultChannel}
	}
}

// Worker leases, executes, and settles jobs until its context ends.
type Worker struct {
	cfg      Config
	queue    *queue.Queue
	results  *results.Store
	store    *objstore.Store
	registry *registry.Registry
	exec     ExecFunc
	log      *slog.Logger
	now      func() time.Time

	visibility time.Duration
}

// Option adjusts a Worker at construction.
type Option func(*Worker)

// WithExec overrides the subprocess runner, for tests.
func WithExec(fn ExecFunc) Option {
	return func(w *Worker) { w.exec = fn }
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// New builds a Worker. visibility must match the queue's timeout; it
// drives the heartbeat cadence and the expired-lease reaper.
func New(cfg Config, q *queue.Queue, res *results.Store, store *objstore.Store, reg *registry.Registry, visibility time.Duration, log *slog.Logger, opts ...Option) *Worker {
	cfg.setDefaults(visibility)
	w := &Worker{
		cfg:        cfg,
		queue:      q,
		results:    res,
		store:      store,
		registry:   reg,
		exec:       DefaultExec,
		log:        log.With("component", "worker", "worker", cfg.ID),
		now:        time.Now,
		visibility: visibility,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run blocks until ctx is cancelled. The fetcher keeps at most
// Prefetch leases buffered; Concurrency executors drain the buffer;
// a reaper requeues leases other workers abandoned.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	leases := make(chan *queue.Lease, w.cfg.Prefetch)

	g.Go(func() error { return w.fetch(ctx, leases) })
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case l := <-leases:
					w.handle(ctx, l)
				}
			}
		})
	}
	g.Go(func() error { return w.reap(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) fetch(ctx context.Context, leases chan<- *queue.Lease) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		for len(leases) < cap(leases) {
			l, err := w.queue.Lease(ctx, w.cfg.Channels, w.cfg.ID)
			if errors.Is(err, queue.ErrEmpty) {
				break
			}
			if err != nil {
				w.log.Warn("lease failed", "err", err)
				break
			}
			select {
			case leases <- l:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (w *Worker) reap(ctx context.Context) error {
	interval := w.visibility / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		for _, channel := range w.cfg.Channels {
			n, err := w.queue.RequeueExpired(ctx, channel)
			if err != nil {
				w.log.Warn("requeue scan failed", "channel", channel, "err", err)
				continue
			}
			if n > 0 {
				w.log.Info("requeued expired leases", "channel", channel, "count", n)
			}
		}
	}
}

// handle settles one lease: publish an outcome, then ack. Failures to
// publish nack instead, so the envelope is redelivered.
func (w *Worker) handle(ctx context.Context, l *queue.Lease) {
	env := l.Envelope
	log := w.log.With("task", env.TaskID, "uid", env.UID, "use_case", env.Task)

	revoked, err := w.queue.IsRevoked(ctx, env.TaskID)
	if err != nil {
		log.Warn("revoke check failed", "err", err)
	}
	if revoked {
		log.Info("discarding revoked lease")
		w.settle(ctx, l, dispatch.Outcome{
			Status:     dispatch.StatusRevoked,
			UID:        env.UID,
			Task:       env.Task,
			Worker:     w.cfg.ID,
			Detail:     "Successfully cancelled the task.",
			FinishedAt: w.now().UTC(),
		}, log)
		return
	}

	if detail, ok := w.preflight(env); !ok {
		log.Warn("preflight failed", "detail", detail)
		w.settle(ctx, l, dispatch.Outcome{
			Status:     dispatch.StatusFailure,
			UID:        env.UID,
			Task:       env.Task,
			Worker:     w.cfg.ID,
			Detail:     detail,
			FinishedAt: w.now().UTC(),
		}, log)
		return
	}

	if err := w.queue.MarkStarted(ctx, l); err != nil {
		// Lease already stolen; someone else will run it.
		log.Warn("lease gone before start", "err", err)
		return
	}

	out, killed := w.execute(ctx, l, log)
	if killed {
		// Neither publish nor ack: the visibility timeout will
		// redeliver the envelope and the revoke flag discards it.
		log.Info("execution revoked, leaving lease to expire")
		return
	}
	w.settle(ctx, l, out, log)
}

// preflight validates the envelope against the local registry and the
// shared directory before anything is spawned.
func (w *Worker) preflight(env dispatch.Envelope) (string, bool) {
	uc, ok := w.registry.Lookup(env.Task)
	if !ok {
		return fmt.Sprintf("use case %q is not registered on this worker", env.Task), false
	}
	if uc.Binary != env.Binary {
		return fmt.Sprintf("binary mismatch for %q: envelope %q, registry %q", env.Task, env.Binary, uc.Binary), false
	}
	if !w.store.HasKey(env.UID) {
		return fmt.Sprintf("no evaluation key for uid %q", env.UID), false
	}
	input := uc.RenderInput(env.UID)
	if _, err := w.store.Stat(input); err != nil {
		return fmt.Sprintf("submission %q is missing", input), false
	}
	return "", true
}

func (w *Worker) execute(ctx context.Context, l *queue.Lease, log *slog.Logger) (dispatch.Outcome, bool) {
	env := l.Envelope
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Heartbeat keeps the lease alive; the revoke poll kills the
	// subprocess when a cancellation lands mid-run.
	revoked := make(chan struct{})
	go w.supervise(runCtx, l, cancel, revoked, log)

	started := w.now()
	stdout, stderr, code, err := w.exec(runCtx, w.store.SharedDir(), env.Binary, env.UID)
	duration := w.now().Sub(started)

	out := dispatch.Outcome{
		UID:        env.UID,
		Task:       env.Task,
		Stdout:     stdout,
		Stderr:     stderr,
		ReturnCode: code,
		Duration:   duration.Seconds(),
		Worker:     w.cfg.ID,
		FinishedAt: w.now().UTC(),
	}

	killed := false
	select {
	case <-revoked:
		killed = true
		out.Status = dispatch.StatusRevoked
		out.Detail = "Successfully cancelled the task."
	default:
		switch {
		case err != nil:
			out.Status = dispatch.StatusFailure
			out.Detail = fmt.Sprintf("executable %q could not run: %v", env.Binary, err)
		case code != 0:
			out.Status = dispatch.StatusFailure
			out.Detail = fmt.Sprintf("executable exited with code %d", code)
		default:
			out.Status = dispatch.StatusSuccess
		}
	}

	log.Info("execution finished",
		"status", out.Status.String(),
		"returncode", code,
		"duration_seconds", out.Duration)
	metrics.ObserveExecution(env.Task, out.Status.String(), duration)
	return out, killed
}

// supervise extends the lease on a heartbeat and trips the kill
// switch when the task is revoked. Closes revoked at most once.
func (w *Worker) supervise(ctx context.Context, l *queue.Lease, kill context.CancelFunc, revoked chan struct{}, log *slog.Logger) {
	heartbeat := time.NewTicker(w.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	revokeTick := time.NewTicker(w.cfg.RevokePoll)
	defer revokeTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := w.queue.Extend(ctx, l); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("lease extension failed", "err", err)
			}
		case <-revokeTick.C:
			hit, err := w.queue.IsRevoked(ctx, l.Envelope.TaskID)
			if err != nil || !hit {
				continue
			}
			log.Info("revoke flag tripped, killing executable")
			close(revoked)
			kill()
			return
		}
	}
}

// settle publishes the outcome and acks. Publish failure nacks so the
// job is redelivered rather than lost.
func (w *Worker) settle(ctx context.Context, l *queue.Lease, out dispatch.Outcome, log *slog.Logger) {
	if err := w.results.Put(ctx, l.Envelope.TaskID, out); err != nil {
		log.Error("outcome publish failed, nacking", "err", err)
		if nerr := w.queue.Nack(ctx, l); nerr != nil {
			log.Error("nack failed", "err", nerr)
		}
		return
	}
	if err := w.queue.Ack(ctx, l); err != nil {
		log.Warn("ack failed", "err", err)
	}
}
