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

// Command fherelay-server runs the HTTP front-end: key and input
// uploads, task submission, status polling, result delivery, and
// cancellation.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"fherelay/internal/config"
	"fherelay/internal/httpapi"
	"fherelay/internal/httpmw"
	"fherelay/internal/journal"
	"fherelay/internal/lifecycle"
	"fherelay/internal/logging"
	"fherelay/internal/metrics"
	"fherelay/internal/objstore"
	"fherelay/internal/queue"
	"fherelay/internal/registry"
	"fherelay/internal/results"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.FromEnv()
	flag.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address (env HTTP_ADDR)")
	flag.StringVar(&cfg.SharedDir, "shared-dir", cfg.SharedDir, "Shared object directory (env SHARED_DIR)")
	flag.StringVar(&cfg.BackupDir, "backup-dir", cfg.BackupDir, "Backup directory (env BACKUP_DIR)")
	flag.StringVar(&cfg.TasksConfig, "tasks-config", cfg.TasksConfig, "Use-case registry file (env TASKS_CONFIG)")
	flag.StringVar(&cfg.BrokerURL, "broker-url", cfg.BrokerURL, "Broker Redis URL (env BROKER_URL)")
	flag.StringVar(&cfg.BackendURL, "backend-url", cfg.BackendURL, "Result store Redis URL (env BACKEND_URL)")
	flag.StringVar(&cfg.JournalPath, "journal", cfg.JournalPath, "SQLite journal path (env JOURNAL_PATH)")
	flag.DurationVar(&cfg.VisibilityTimeout, "visibility-timeout", cfg.VisibilityTimeout, "Lease visibility timeout (env VISIBILITY_TIMEOUT)")
	flag.DurationVar(&cfg.ResultTTL, "result-ttl", cfg.ResultTTL, "Result retention (env RESULT_TTL)")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error (env LOG_LEVEL)")
	flag.Parse()

	log := logging.New(cfg.LogLevel).With("component", "server")
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
	log.Info("use-case registry loaded", "count", reg.Len())

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jrnl, err := journal.Open(ctx, cfg.JournalPath)
	if err != nil {
		log.Error("journal open failed", "path", cfg.JournalPath, "err", err)
		return 1
	}
	defer jrnl.Close()

	q := queue.New(broker, cfg.VisibilityTimeout)
	res := results.New(backend, cfg.ResultTTL)
	engine := lifecycle.New(q, res, store, jrnl, reg, cfg.Channels, log)

	limiter := httpmw.NewRateLimiter(httpmw.DefaultRateLimitConfig())
	defer limiter.Stop()

	mux := http.NewServeMux()
	api := httpapi.New(store, reg, q, res, jrnl, engine, log)
	api.Register(mux, limiter.Wrap)
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpmw.SecurityHeaders(mux),
		ReadHeaderTimeout: 10 * time.Second,
		// No global read/write timeouts: key uploads are large and
		// slow clients are expected.
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.HTTPAddr, "tls", cfg.TLSCertFile != "")
		if cfg.TLSCertFile != "" {
			errCh <- srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "err", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "err", err)
		return 1
	}
	log.Info("server stopped")
	return 0
}
