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

// Package dispatch contains the shared data models of the dispatch
// service: the task status enum, the queue envelope, the outcome
// record published by workers, and the status report returned to
// clients. Both binaries and every internal package depend on these
// types, so they carry no behaviour beyond validation helpers.
package dispatch

import "time"

// Status is the canonical lifecycle state of a task as reported to
// clients. The values are wire-visible and must not change.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusReserved  Status = "reserved"
	StatusStarted   Status = "started"
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusRevoked   Status = "revoked"
	StatusCompleted Status = "completed"
	StatusUnknown   Status = "unknown"
)

// Valid reports whether the status is one of the allowed states.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusReserved, StatusStarted, StatusSuccess,
		StatusFailure, StatusRevoked, StatusCompleted, StatusUnknown:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status can no longer change.
// UNKNOWN is not terminal: a stale view may later resolve to any
// other state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusRevoked, StatusCompleted:
		return true
	default:
		return false
	}
}

// String returns the string value of the Status.
func (s Status) String() string { return string(s) }

// Envelope is the message placed on a queue channel for one task
// submission. Workers resolve the executable from the use-case name;
// the binary name is carried too so a worker can fail fast when its
// registry disagrees with the submitter's.
type Envelope struct {
	TaskID      string    `json:"task_id"`
	UID         string    `json:"uid"`
	Task        string    `json:"task"`
	Binary      string    `json:"binary"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Outcome is the terminal record a worker publishes to the result
// store after the executable finishes (or fails to start).
type Outcome struct {
	Status     Status    `json:"status"`
	UID        string    `json:"uid,omitempty"`
	Task       string    `json:"task,omitempty"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	ReturnCode int       `json:"returncode"`
	Duration   float64   `json:"execution_time_seconds"`
	Worker     string    `json:"worker,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// StatusReport is the status object shape shared by the polling
// endpoints. Worker is nil when no worker identity is known.
type StatusReport struct {
	TaskID      string   `json:"task_id"`
	UID         string   `json:"uid"`
	Status      Status   `json:"status"`
	Worker      *string  `json:"worker"`
	Details     string   `json:"details"`
	OutputFiles []string `json:"output_file_path,omitempty"`
}

// NewReport builds a report with the fields every path fills in.
func NewReport(taskID, uid string, status Status, details string) StatusReport {
	return StatusReport{
		TaskID:  taskID,
		UID:     uid,
		Status:  status,
		Details: details,
	}
}

// WithWorker returns a copy of the report carrying a worker identity.
func (r StatusReport) WithWorker(worker string) StatusReport {
	if worker != "" {
		r.Worker = &worker
	}
	return r
}
