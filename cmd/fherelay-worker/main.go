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

// Command fherelay-worker runs a pool of workers that lease jobs
// from the broker and execute use-case binaries against the shared
// directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"fherelay/internal/config"
	"fherelay/internal/logging"
	"fherelay/internal/objstore"
	"fherelay/internal/queue"
	"fherelay/internal/registry"
	"fherelay/internal/results"
	"fherelay/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()
	var channels string
	flag.StringVar(&cfg.SharedDir, "shared-dir", cfg.SharedDir, "Shared object directory (env SHARED_DIR)")
	flag.StringVar(&cfg.BackupDir, "backup-dir", cfg.BackupDir, "Backup directory (env BACKUP_DIR)")
	flag.StringVar(&cfg.TasksConfig, "tasks-config", cfg.TasksConfig, "Use-case registry file (env TASKS_CONFIG)")
	flag.StringVar(&cfg.BrokerURL, "broker-url", cfg.BrokerURL, "Broker Redis URL (env BROKER_URL)")
	flag.StringVar(&cfg.BackendURL, "backend-url", cfg.BackendURL, "Result store Redis URL (env BACKEND_URL)")
	flag.StringVar(&channels, "channels", strings.Join(cfg.Channels, ","), "Comma-separated channel subscription (env QUEUE_CHANNELS)")
	flag.IntVar(&cfg.WorkerCount, "workers", cfg.WorkerCount, "Number of workers (env WORKER_COUNT)")
	flag.IntVar(&cfg.WorkerConcurrency, "concurrency", cfg.WorkerConcurrency, "Execution slots per worker (env WORKER_CONCURRENCY)")
	flag.IntVar(&cfg.WorkerPrefetch, "prefetch", cfg.WorkerPrefetch, "Leases buffered per worker (env WORKER_PREFETCH)")
	flag.DurationVar(&cfg.VisibilityTimeout, "visibility-timeout", cfg.VisibilityTimeout, "Lease visibility timeout (env VISIBILITY_TIMEOUT)")
	flag.DurationVar(&cfg.ResultTTL, "result-ttl", cfg.ResultTTL, "Result retention (env RESULT_TTL)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error (env LOG_LEVEL)")
	flag.Parse()
	if channels != "" {
		cfg.Channels = strings.Split(channels, ",")
	}

	log := logging.New(cfg.LogLevel).With("component", "worker-main")
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "err", err)
		return 1
	}
	cfg.Log(log)

	reg, err := registry.Load(cfg.TasksConfig)
	if err != nil {
		log.Error("registry load failed", "path", cfg.TasksConfig, "err", err)
		return 1
	}

	store, err := objstore.New(cfg.SharedDir, cfg.BackupDir)
	if err != nil {
		log.Error("object store init failed", "err", err)
		return 1
	}

	brokerOpts, err := redis.ParseURL(cfg.BrokerURL)
	if err != nil {
		log.Error("invalid broker URL", "err", err)
		return 1
	}
	backendOpts, err := redis.ParseURL(cfg.BackendURL)
	if err != nil {
		log.Error("invalid backend URL", "err", err)
		return 1
	}
	broker := redis.NewClient(brokerOpts)
	defer broker.Close()
	backend := redis.NewClient(backendOpts)
	defer backend.Close()

	q := queue.New(broker, cfg.VisibilityTimeout)
	res := results.New(backend, cfg.ResultTTL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := q.Ping(ctx); err != nil {
		log.Error("broker unreachable", "err", err)
		return 1
	}

	hostname, _ := os.Hostname()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.WorkerCount; i++ {
		wcfg := worker.Config{
			ID:          fmt.Sprintf("%s-%d", hostname, i),
			Channels:    cfg.Channels,
			Concurrency: cfg.WorkerConcurrency,
			Prefetch:    cfg.WorkerPrefetch,
		}
		w := worker.New(wcfg, q, res, store, reg, cfg.VisibilityTimeout, log)
		g.Go(func() error { return w.Run(ctx) })
		log.Info("worker started", "id", wcfg.ID, "channels", strings.Join(wcfg.Channels, ","))
	}

	if err := g.Wait(); err != nil {
		log.Error("worker pool failed", "err", err)
		return 1
	}
	log.Info("worker pool stopped")
	return 0
}
