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

// Package httpapi is the public HTTP surface of the service. Request
// parameters are accepted from the query string, urlencoded form
// fields, or multipart form fields; the first non-empty source wins.
// Concurrent submissions for the same (uid, use case) race on the
// input blob: last writer wins and each submission gets its own task
// id.
package httpapi

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"fherelay/internal/journal"
	"fherelay/internal/lifecycle"
	"fherelay/internal/metrics"
	"fherelay/internal/objstore"
	"fherelay/internal/queue"
	"fherelay/internal/registry"
	"fherelay/internal/results"
	"fherelay/pkg/dispatch"
)

// maxUploadBytes bounds a single ciphertext upload. FHE server keys
// run to a few hundred MB.
const maxUploadBytes = 1 << 30

// maxFormMemory is the in-memory threshold for multipart parsing;
// larger bodies spill to temp files.
const maxFormMemory = 32 << 20

// Detail strings for requests that omit the task identifiers. The
// polling endpoints answer these at 200: absence of an id is a
// question about an unknown task, not a malformed request.
const (
	detailEmptyID       = "Task ID is None or Empty."
	cancelRefusedPrefix = "Cannot cancel this task: "
)

// API holds the handler dependencies.
type API struct {
	store    *objstore.Store
	registry *registry.Registry
	queue    *queue.Queue
	results  *results.Store
	journal  *journal.Journal
	engine   *lifecycle.Engine
	log      *slog.Logger

	// newID is swappable for deterministic tests.
	newID func() string
}

// New builds the API over its collaborators.
func New(store *objstore.Store, reg *registry.Registry, q *queue.Queue, res *results.Store, jrnl *journal.Journal, engine *lifecycle.Engine, log *slog.Logger) *API {
	return &API{
		store:    store,
		registry: reg,
		queue:    q,
		results:  res,
		journal:  jrnl,
		engine:   engine,
		log:      log.With("component", "httpapi"),
		newID:    newUUID,
	}
}

// newUUID returns a fresh random identifier in canonical hyphenated
// v4 form.
func newUUID() string {
	u, err := uuid.NewRandom()
	if err != nil {
		// uuid only fails when the system entropy source does;
		// crypto/rand panicking on the same source is acceptable.
		var b [16]byte
		if _, rerr := rand.Read(b[:]); rerr != nil {
			panic(rerr)
		}
		b[6] = (b[6] & 0x0f) | 0x40
		b[8] = (b[8] & 0x3f) | 0x80
		u = uuid.UUID(b)
	}
	return u.String()
}

// Register installs all routes on mux. rateLimited wraps the two
// upload endpoints; pass nil to disable limiting.
func (a *API) Register(mux *http.ServeMux, rateLimited func(http.Handler) http.Handler) {
	wrap := func(h http.HandlerFunc) http.Handler {
		if rateLimited == nil {
			return h
		}
		return rateLimited(h)
	}
	mux.Handle("/add_key", wrap(a.handleAddKey))
	mux.Handle("/start_task", wrap(a.handleStartTask))
	mux.HandleFunc("/get_use_cases", a.handleGetUseCases)
	mux.HandleFunc("/list_current_tasks", a.handleListCurrentTasks)
	mux.HandleFunc("/get_task_status", a.handleGetTaskStatus)
	mux.HandleFunc("/get_task_result", a.handleGetTaskResult)
	mux.HandleFunc("/cancel_task", a.handleCancelTask)
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/readyz", a.handleReadyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// idParams extracts the task_id and uid parameters the polling
// endpoints share. Absent values are legal and reconcile to unknown;
// names carrying traversal or glob characters answer 400.
func (a *API) idParams(w http.ResponseWriter, r *http.Request) (taskID, uid string, ok bool) {
	taskID, uid = param(r, "task_id"), param(r, "uid")
	if (taskID != "" && !objstore.ValidName(taskID)) || (uid != "" && !objstore.ValidName(uid)) {
		jsonError(w, http.StatusBadRequest, "invalid task_id or uid")
		return "", "", false
	}
	return taskID, uid, true
}

// param returns the first non-empty value among the query string, the
// urlencoded form, and the multipart form.
func param(r *http.Request, name string) string {
	if v := r.URL.Query().Get(name); v != "" {
		return v
	}
	// FormValue consults the parsed form and multipart form.
	return r.FormValue(name)
}

// parseUpload prepares a request that may carry a file. Multipart
// bodies are parsed with a spill-to-disk threshold; urlencoded bodies
// fall back to ParseForm so form parameters stay reachable.
func parseUpload(r *http.Request) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxUploadBytes)
	err := r.ParseMultipartForm(maxFormMemory)
	if errors.Is(err, http.ErrNotMultipart) {
		return r.ParseForm()
	}
	return err
}

// handleAddKey stores an uploaded evaluation key under a fresh uid.
func (a *API) handleAddKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := parseUpload(r); err != nil {
		jsonError(w, http.StatusBadRequest, "malformed upload body")
		return
	}
	// task_name is advisory here, but a hostile value must be refused
	// before anything touches the filesystem.
	if tn := param(r, "task_name"); tn != "" && !objstore.ValidName(tn) {
		jsonError(w, http.StatusBadRequest, "invalid task_name")
		return
	}
	file, _, err := r.FormFile("key")
	if err != nil {
		jsonError(w, http.StatusBadRequest, "missing file field 'key'")
		return
	}
	defer file.Close()

	uid := a.newID()
	if err := a.store.WriteKey(uid, file); err != nil {
		a.log.Error("key write failed", "uid", uid, "err", err)
		jsonError(w, http.StatusInternalServerError, "Failed to save server key.")
		return
	}
	a.log.Info("evaluation key stored", "uid", uid)
	writeJSON(w, http.StatusOK, map[string]string{"uid": uid})
}

// handleGetUseCases lists the registered use-case names.
func (a *API) handleGetUseCases(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"Use-cases": a.registry.Names()})
}

// handleStartTask accepts a ciphertext submission and enqueues a job.
func (a *API) handleStartTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := parseUpload(r); err != nil {
		jsonError(w, http.StatusBadRequest, "malformed upload body")
		return
	}
	uid := param(r, "uid")
	taskName := param(r, "task_name")
	if uid == "" || taskName == "" {
		jsonError(w, http.StatusBadRequest, "uid and task_name are required")
		return
	}
	if !objstore.ValidName(uid) {
		jsonError(w, http.StatusBadRequest, "invalid uid")
		return
	}
	uc, ok := a.registry.Lookup(taskName)
	if !ok {
		jsonError(w, http.StatusBadRequest, fmt.Sprintf("unknown use case %q", taskName))
		return
	}
	if !a.store.HasKey(uid) {
		jsonError(w, http.StatusNotFound, fmt.Sprintf("no evaluation key for uid %q", uid))
		return
	}

	file, _, err := r.FormFile("encrypted_input")
	if err != nil {
		jsonError(w, http.StatusBadRequest, "missing file field 'encrypted_input'")
		return
	}
	defer file.Close()

	inputName := uc.RenderInput(uid)
	if err := a.store.Write(inputName, file); err != nil {
		if errors.Is(err, objstore.ErrInvalidName) {
			jsonError(w, http.StatusBadRequest, "invalid object name")
			return
		}
		a.log.Error("input write failed", "uid", uid, "use_case", taskName, "err", err)
		jsonError(w, http.StatusInternalServerError, "Failed to save input file.")
		return
	}

	taskID := a.newID()
	env := dispatch.Envelope{
		TaskID:      taskID,
		UID:         uid,
		Task:        uc.Name,
		Binary:      uc.Binary,
		SubmittedAt: time.Now().UTC(),
	}
	if err := a.queue.Enqueue(r.Context(), uc.Channel, env); err != nil {
		a.log.Error("enqueue failed", "task", taskID, "err", err)
		jsonError(w, http.StatusInternalServerError, "broker unavailable")
		return
	}
	if a.journal != nil {
		err := a.journal.Record(r.Context(), journal.Entry{
			TaskID:      taskID,
			UID:         uid,
			Task:        uc.Name,
			Channel:     uc.Channel,
			SubmittedAt: env.SubmittedAt,
		})
		if err != nil {
			// The journal is diagnostics only; a failed insert must
			// not fail the submission.
			a.log.Warn("journal record failed", "task", taskID, "err", err)
		}
	}
	metrics.IncSubmission(uc.Name, uc.Channel)
	if depth, err := a.queue.Depth(r.Context(), uc.Channel); err == nil {
		metrics.SetQueueDepth(uc.Channel, depth)
	}
	a.log.Info("task enqueued", "task", taskID, "uid", uid, "use_case", uc.Name, "channel", uc.Channel)
	writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID})
}

// handleListCurrentTasks reports every broker-visible task.
func (a *API) handleListCurrentTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	reports, err := a.engine.ListCurrent(r.Context())
	if err != nil {
		a.log.Error("list current failed", "err", err)
		jsonError(w, http.StatusInternalServerError, "broker unavailable")
		return
	}
	if reports == nil {
		reports = []dispatch.StatusReport{}
	}
	writeJSON(w, http.StatusOK, map[string][]dispatch.StatusReport{"tasks": reports})
}

// handleGetTaskStatus reports the reconciled status of one task.
func (a *API) handleGetTaskStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	taskID, uid, ok := a.idParams(w, r)
	if !ok {
		return
	}
	if taskID == "" || uid == "" {
		writeJSON(w, http.StatusOK, dispatch.NewReport(taskID, uid, dispatch.StatusUnknown, detailEmptyID))
		return
	}
	writeJSON(w, http.StatusOK, a.engine.Status(r.Context(), taskID, uid))
}

// handleCancelTask requests cancellation and reports the result.
func (a *API) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := r.ParseForm(); err != nil {
		jsonError(w, http.StatusBadRequest, "malformed body")
		return
	}
	taskID, uid, ok := a.idParams(w, r)
	if !ok {
		return
	}
	if taskID == "" || uid == "" {
		writeJSON(w, http.StatusOK, dispatch.NewReport(taskID, uid, dispatch.StatusUnknown, cancelRefusedPrefix+detailEmptyID))
		return
	}
	writeJSON(w, http.StatusOK, a.engine.Cancel(r.Context(), taskID, uid))
}

// handleGetTaskResult delivers a finished task's payload, or the
// current status report when no payload is available yet.
func (a *API) handleGetTaskResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		jsonError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	taskID, uid, ok := a.idParams(w, r)
	if !ok {
		return
	}
	if taskID == "" || uid == "" {
		writeJSON(w, http.StatusOK, dispatch.NewReport(taskID, uid, dispatch.StatusUnknown, detailEmptyID))
		return
	}

	delivery, report, err := a.engine.GetResult(r.Context(), taskID, uid, param(r, "task_name"))
	if err != nil {
		var missing *lifecycle.MissingArtifactError
		if errors.As(err, &missing) {
			jsonError(w, http.StatusInternalServerError, fmt.Sprintf("Output file %s not found.", missing.Name))
			return
		}
		a.log.Error("result retrieval failed", "task", taskID, "err", err)
		jsonError(w, http.StatusInternalServerError, "failed to retrieve result")
		return
	}
	if delivery == nil {
		writeJSON(w, http.StatusOK, report)
		return
	}

	switch delivery.Shape {
	case registry.ResponseStream:
		h := w.Header()
		h.Set("Content-Type", "application/octet-stream")
		h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", delivery.Filename))
		h.Set("X-Task-Id", delivery.TaskID)
		h.Set("X-Uid", delivery.UID)
		h.Set("X-Worker", headerSafe(delivery.Worker))
		h.Set("X-Stderr", headerSafe(delivery.Stderr))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(delivery.Content)
	case registry.ResponseJSON:
		payload := map[string]any{
			"task_id": delivery.TaskID,
			"uid":     delivery.UID,
			"status":  report.Status,
			"worker":  delivery.Worker,
			"stderr":  delivery.Stderr,
		}
		// Configured output keys win on collision.
		for k, v := range delivery.JSON {
			payload[k] = v
		}
		writeJSON(w, http.StatusOK, payload)
	default:
		jsonError(w, http.StatusInternalServerError, fmt.Sprintf("unsupported response type %q", delivery.Shape))
	}
}

// headerSafe flattens captured subprocess output into a legal header
// value.
func headerSafe(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

// handleHealthz is a liveness probe.
func (a *API) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz verifies the broker and result store are reachable.
func (a *API) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := a.queue.Ping(r.Context()); err != nil {
		jsonError(w, http.StatusServiceUnavailable, "broker unreachable")
		return
	}
	if err := a.results.Ping(r.Context()); err != nil {
		jsonError(w, http.StatusServiceUnavailable, "result store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
