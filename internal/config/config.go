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

// Package config holds the runtime configuration shared by the server
// and worker binaries. Values are seeded from environment variables
// exactly once at start-up; the binaries layer flag overrides on top.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full runtime configuration. Not every field is used
// by both binaries; the zero-cost of carrying the extras beats two
// diverging structs.
type Config struct {
	HTTPAddr    string // HTTP_ADDR
	SharedDir   string // SHARED_DIR
	BackupDir   string // BACKUP_DIR (defaults to SharedDir)
	TasksConfig string // TASKS_CONFIG
	BrokerURL   string // BROKER_URL
	BackendURL  string // BACKEND_URL
	JournalPath string // JOURNAL_PATH

	Channels          []string      // QUEUE_CHANNELS (csv)
	WorkerCount       int           // WORKER_COUNT
	WorkerConcurrency int           // WORKER_CONCURRENCY
	WorkerPrefetch    int           // WORKER_PREFETCH
	VisibilityTimeout time.Duration // VISIBILITY_TIMEOUT
	ResultTTL         time.Duration // RESULT_TTL

	TLSCertFile string // TLS_CERT_FILE
	TLSKeyFile  string // TLS_KEY_FILE
	LogLevel    string // LOG_LEVEL
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		HTTPAddr:          ":5000",
		SharedDir:         "./uploaded_files",
		BackupDir:         "",
		TasksConfig:       "./tasks.yaml",
		BrokerURL:         "redis://localhost:6379/0",
		BackendURL:        "redis://localhost:6379/1",
		JournalPath:       "./fherelay.db",
		Channels:          []string{"usecases"},
		WorkerCount:       1,
		WorkerConcurrency: 1,
		WorkerPrefetch:    1,
		VisibilityTimeout: 60 * time.Second,
		ResultTTL:         720 * time.Hour,
		LogLevel:          "info",
	}
}

// FromEnv builds a Config from the environment on top of defaults.
func FromEnv() Config {
	def := Default()
	cfg := Config{
		HTTPAddr:          getenv("HTTP_ADDR", def.HTTPAddr),
		SharedDir:         getenv("SHARED_DIR", def.SharedDir),
		BackupDir:         getenv("BACKUP_DIR", def.BackupDir),
		TasksConfig:       getenv("TASKS_CONFIG", def.TasksConfig),
		BrokerURL:         getenv("BROKER_URL", def.BrokerURL),
		BackendURL:        getenv("BACKEND_URL", def.BackendURL),
		JournalPath:       getenv("JOURNAL_PATH", def.JournalPath),
		Channels:          splitCSV(getenv("QUEUE_CHANNELS", strings.Join(def.Channels, ","))),
		WorkerCount:       getenvInt("WORKER_COUNT", def.WorkerCount),
		WorkerConcurrency: getenvInt("WORKER_CONCURRENCY", def.WorkerConcurrency),
		WorkerPrefetch:    getenvInt("WORKER_PREFETCH", def.WorkerPrefetch),
		VisibilityTimeout: getenvDuration("VISIBILITY_TIMEOUT", def.VisibilityTimeout),
		ResultTTL:         getenvDuration("RESULT_TTL", def.ResultTTL),
		TLSCertFile:       getenv("TLS_CERT_FILE", ""),
		TLSKeyFile:        getenv("TLS_KEY_FILE", ""),
		LogLevel:          getenv("LOG_LEVEL", def.LogLevel),
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = cfg.SharedDir
	}
	return cfg
}

// Validate rejects configurations that cannot possibly run.
func (c Config) Validate() error {
	if strings.TrimSpace(c.SharedDir) == "" {
		return fmt.Errorf("SHARED_DIR must not be empty")
	}
	if strings.TrimSpace(c.BrokerURL) == "" || strings.TrimSpace(c.BackendURL) == "" {
		return fmt.Errorf("BROKER_URL and BACKEND_URL must not be empty")
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("QUEUE_CHANNELS must name at least one channel")
	}
	if c.WorkerCount < 1 || c.WorkerConcurrency < 1 || c.WorkerPrefetch < 1 {
		return fmt.Errorf("worker count, concurrency, and prefetch must be >= 1")
	}
	if c.VisibilityTimeout < time.Second {
		return fmt.Errorf("VISIBILITY_TIMEOUT must be at least 1s")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	return nil
}

// Log emits the effective configuration at start-up. No secrets are
// carried in this config, so every field may be logged.
func (c Config) Log(logger *slog.Logger) {
	logger.Info("configuration",
		slog.String("http_addr", c.HTTPAddr),
		slog.String("shared_dir", c.SharedDir),
		slog.String("backup_dir", c.BackupDir),
		slog.String("tasks_config", c.TasksConfig),
		slog.String("broker_url", c.BrokerURL),
		slog.String("backend_url", c.BackendURL),
		slog.String("journal_path", c.JournalPath),
		slog.String("channels", strings.Join(c.Channels, ",")),
		slog.Int("worker_count", c.WorkerCount),
		slog.Int("worker_concurrency", c.WorkerConcurrency),
		slog.Int("worker_prefetch", c.WorkerPrefetch),
		slog.Duration("visibility_timeout", c.VisibilityTimeout),
		slog.Duration("result_ttl", c.ResultTTL),
		slog.Bool("tls", c.TLSCertFile != ""),
		slog.String("log_level", c.LogLevel),
	)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
