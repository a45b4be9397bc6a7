package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/jobwatch/jobwatch/internal/config"
	"github.com/jobwatch/jobwatch/internal/job"
	"github.com/jobwatch/jobwatch/internal/notification"
	"github.com/jobwatch/jobwatch/internal/push"
	"github.com/jobwatch/jobwatch/internal/queue"
)

// NotificationStore is the per-user feed the notification routes serve.
type NotificationStore interface {
	List(ctx context.Context, userID string, page, limit int) (*notification.Page, error)
	MarkRead(ctx context.Context, userID, id string) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	Delete(ctx context.Context, userID, id string) error
	DeleteAll(ctx context.Context, userID string) (int64, error)
}

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	store  job.Store
	notes  NotificationStore
	queue  *queue.Queue
	hub    *push.Hub
	cfg    *config.Config
	logger *slog.Logger
}

// NewHandler constructs a Handler with the given dependencies.
func NewHandler(store job.Store, notes NotificationStore, q *queue.Queue, hub *push.Hub, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, notes: notes, queue: q, hub: hub, cfg: cfg, logger: logger}
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/jobs", h.CreateJob)
	mux.HandleFunc("GET /api/v1/jobs", h.ListJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.GetJob)
	mux.HandleFunc("DELETE /api/v1/jobs/{id}", h.DeleteJob)
	mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", h.CancelJob)
	mux.HandleFunc("POST /api/v1/jobs/{id}/reprocess", h.ReprocessJob)

	mux.HandleFunc("GET /api/v1/notifications", h.ListNotifications)
	mux.HandleFunc("PATCH /api/v1/notifications/read-all", h.MarkAllRead)
	mux.HandleFunc("PATCH /api/v1/notifications/{id}/read", h.MarkRead)
	mux.HandleFunc("DELETE /api/v1/notifications/{id}", h.DeleteNotification)
	mux.HandleFunc("DELETE /api/v1/notifications", h.DeleteAllNotifications)

	mux.HandleFunc("GET /api/v1/ws", h.ServeWS)
	mux.HandleFunc("GET /api/v1/rooms/{room}/sse", h.StreamSSE)
	mux.HandleFunc("GET /api/v1/health", h.Health)
}

// CreateJob handles POST /api/v1/jobs and responds 202 with the created job.
// The owner defaults to the X-User-ID caller.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB max
	var req job.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.OwnerID == "" {
		req.OwnerID = userID(r)
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	j := &job.Job{
		ID:          uuid.New().String(),
		OwnerID:     req.OwnerID,
		RoomKey:     req.RoomKey,
		Source:      req.Source,
		CallbackURL: req.CallbackURL,
		Status:      job.StatusPending,
		CreatedAt:   time.Now().UTC(),
	}

	if err := h.store.Create(r.Context(), j); err != nil {
		h.logger.Error("create job", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	if err := h.queue.Enqueue(j.ID); err != nil {
		// Don't leave an orphan pending job nobody will ever run.
		if ferr := h.store.Fail(r.Context(), j.ID, err.Error()); ferr != nil {
			h.logger.Error("fail unqueued job", "job_id", j.ID, "error", ferr)
		}
		writeError(w, http.StatusServiceUnavailable, "job queue is full")
		return
	}

	writeJSON(w, http.StatusAccepted, j)
}

// ListJobs handles GET /api/v1/jobs and responds 200 with a paginated list of jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseIntParam(q.Get("limit"), 20)
	offset := parseIntParam(q.Get("offset"), 0)

	jobs, total, err := h.store.List(r.Context(), q.Get("room"), limit, offset)
	if err != nil {
		h.logger.Error("list jobs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	// Return an empty array instead of null when there are no jobs.
	if jobs == nil {
		jobs = []*job.Job{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// parseIntParam parses a query string integer, returning the fallback on empty or invalid input.
func parseIntParam(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

// GetJob handles GET /api/v1/jobs/{id}. This is the pull channel observers reconcile against.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.storeError(w, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// DeleteJob handles DELETE /api/v1/jobs/{id} and responds 204. A running job is cancelled first.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	j, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.storeError(w, "get job", err)
		return
	}
	if !j.Status.IsTerminal() {
		if _, err := h.queue.Cancel(r.Context(), id); err != nil {
			h.storeError(w, "cancel job", err)
			return
		}
	}
	if err := h.store.Delete(r.Context(), id); err != nil {
		h.storeError(w, "delete job", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// CancelJob handles POST /api/v1/jobs/{id}/cancel.
// Cancelling a job that already finished is a no-op, not an error.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	applied, err := h.queue.Cancel(r.Context(), id)
	if err != nil {
		h.storeError(w, "cancel job", err)
		return
	}
	j, err := h.store.Get(r.Context(), id)
	if err != nil {
		h.storeError(w, "get job", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"noop": !applied, "job": j})
}

// ReprocessJob handles POST /api/v1/jobs/{id}/reprocess. Only failed jobs can be reprocessed.
func (h *Handler) ReprocessJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.queue.Reprocess(r.Context(), r.PathValue("id"))
	if errors.Is(err, job.ErrConflict) {
		writeError(w, http.StatusConflict, "only failed jobs can be reprocessed")
		return
	}
	if err != nil {
		h.storeError(w, "reprocess job", err)
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

// ListNotifications handles GET /api/v1/notifications for the X-User-ID caller.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	page, err := h.notes.List(r.Context(), user, parseIntParam(q.Get("page"), 1), parseIntParam(q.Get("limit"), 20))
	if err != nil {
		h.storeError(w, "list notifications", err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := h.notes.MarkRead(r.Context(), user, r.PathValue("id")); err != nil {
		h.storeError(w, "mark notification read", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	n, err := h.notes.MarkAllRead(r.Context(), user)
	if err != nil {
		h.storeError(w, "mark all notifications read", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

func (h *Handler) DeleteNotification(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := h.notes.Delete(r.Context(), user, r.PathValue("id")); err != nil {
		h.storeError(w, "delete notification", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DeleteAllNotifications(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	n, err := h.notes.DeleteAll(r.Context(), user)
	if err != nil {
		h.storeError(w, "delete all notifications", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

// ServeWS handles GET /api/v1/ws. The caller may only join its own user room.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	h.hub.ServeWS(w, r, userID(r))
}

// Health handles GET /api/v1/health and responds 200 with push hub counters.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"push":   h.hub.Stats(),
	})
}

// storeError maps store sentinels to status codes and hides everything else behind a 500.
func (h *Handler) storeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, job.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, notification.ErrNotFound):
		writeError(w, http.StatusNotFound, "notification not found")
	case errors.Is(err, job.ErrConflict):
		writeError(w, http.StatusConflict, "job status conflict")
	default:
		h.logger.Error(op, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

func userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := userID(r)
	if user == "" {
		writeError(w, http.StatusBadRequest, "missing X-User-ID header")
		return "", false
	}
	return user, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
