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

package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	submissions       *prometheus.CounterVec
	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	deliveries        *prometheus.CounterVec
	revocations       prometheus.Counter
	queueDepth        *prometheus.GaugeVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncSubmission counts an accepted task submission.
func IncSubmission(task, channel string) {
	mu.RLock()
	defer mu.RUnlock()
	if submissions != nil {
		submissions.WithLabelValues(task, channel).Inc()
	}
}

// ObserveExecution records a finished executable run.
func ObserveExecution(task, status string, duration time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if executions != nil {
		executions.WithLabelValues(task, status).Inc()
	}
	if executionDuration != nil {
		executionDuration.WithLabelValues(task).Observe(duration.Seconds())
	}
}

// IncDelivery counts a result delivery by shape (stream or json) and
// source (live or backup).
func IncDelivery(shape, source string) {
	mu.RLock()
	defer mu.RUnlock()
	if deliveries != nil {
		deliveries.WithLabelValues(shape, source).Inc()
	}
}

// IncRevocation counts an accepted cancellation.
func IncRevocation() {
	mu.RLock()
	defer mu.RUnlock()
	if revocations != nil {
		revocations.Inc()
	}
}

// SetQueueDepth records the undelivered backlog of a channel.
func SetQueueDepth(channel string, depth int64) {
	mu.RLock()
	defer mu.RUnlock()
	if queueDepth != nil {
		queueDepth.WithLabelValues(channel).Set(float64(depth))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	subs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fherelay",
		Name:      "submissions_total",
		Help:      "Accepted task submissions by use case and channel.",
	}, []string{"task", "channel"})

	execs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fherelay",
		Name:      "executions_total",
		Help:      "Finished executable runs by use case and terminal status.",
	}, []string{"task", "status"})

	execDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fherelay",
		Name:      "execution_duration_seconds",
		Help:      "Wall-clock duration of executable runs by use case.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"task"})

	dels := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fherelay",
		Name:      "deliveries_total",
		Help:      "Result deliveries by response shape and artifact source.",
	}, []string{"shape", "source"})

	revs := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fherelay",
		Name:      "revocations_total",
		Help:      "Accepted task cancellations.",
	})

	depth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fherelay",
		Name:      "queue_depth",
		Help:      "Undelivered broker backlog per channel.",
	}, []string{"channel"})

	registry.MustRegister(subs, execs, execDur, dels, revs, depth)

	reg = registry
	submissions = subs
	executions = execs
	executionDuration = execDur
	deliveries = dels
	revocations = revs
	queueDepth = depth
}
