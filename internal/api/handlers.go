// Package api exposes the agent's local status and control endpoints. The
// surface is deliberately small: the device UI talks to the store directly,
// so the HTTP side only covers health, sync control, and queue inspection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	syncpkg "github.com/gridworks/fieldsync/internal/sync"
)

// QueueStore is the queue surface the handlers need.
type QueueStore interface {
	ListOperations(ctx context.Context, limit int) ([]syncpkg.QueueItem, error)
	CountOperationsByStatus(ctx context.Context) (map[syncpkg.Status]int64, error)
	ResetTerminalOperations(ctx context.Context) (int64, error)
}

// Syncer is the orchestrator surface the handlers need.
type Syncer interface {
	TriggerSync(ctx context.Context) (syncpkg.Report, error)
	LastReport() syncpkg.Report
	Syncing() bool
}

// Reachability reports the network monitor's last observation.
type Reachability interface {
	Reachable() bool
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	queue  QueueStore
	syncer Syncer
	reach  Reachability
	apiKey string
}

// NewHandler creates a Handler.
func NewHandler(queue QueueStore, syncer Syncer, reach Reachability, apiKey string) *Handler {
	return &Handler{
		queue:  queue,
		syncer: syncer,
		reach:  reach,
		apiKey: apiKey,
	}
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// syncStatusResponse is the body of GET /api/v1/sync/status.
type syncStatusResponse struct {
	Syncing    bool                     `json:"syncing"`
	Reachable  bool                     `json:"reachable"`
	LastReport syncpkg.Report           `json:"last_report"`
	Queue      map[syncpkg.Status]int64 `json:"queue"`
}

// SyncStatus handles GET /api/v1/sync/status.
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := h.queue.CountOperationsByStatus(r.Context())
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, syncStatusResponse{
		Syncing:    h.syncer.Syncing(),
		Reachable:  h.reach.Reachable(),
		LastReport: h.syncer.LastReport(),
		Queue:      counts,
	})
}

// TriggerSync handles POST /api/v1/sync/trigger. The pass runs in the
// background; 409 means one is already running.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if h.syncer.Syncing() {
		WriteProblem(w, r, http.StatusConflict, "A sync pass is already in progress")
		return
	}

	go func() {
		// Deliberately detached from the request context; the pass should
		// outlive the HTTP request that triggered it.
		if _, err := h.syncer.TriggerSync(context.Background()); err != nil &&
			!errors.Is(err, syncpkg.ErrSyncInProgress) {
			slog.Error("triggered sync pass failed", "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// RetrySync handles POST /api/v1/sync/retry: failed and abandoned operations
// return to the queue with a fresh attempt budget.
func (h *Handler) RetrySync(w http.ResponseWriter, r *http.Request) {
	reset, err := h.queue.ResetTerminalOperations(r.Context())
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"reset": reset})
}

// ListQueue handles GET /api/v1/sync/queue.
func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			WriteProblem(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > 500 {
		limit = 500
	}

	items, err := h.queue.ListOperations(r.Context(), limit)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
