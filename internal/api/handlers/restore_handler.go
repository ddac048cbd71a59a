package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/averos/backstop/internal/models"
	"github.com/averos/backstop/internal/services"
)

// RestoreHandler handles HTTP requests for restore orchestration.
type RestoreHandler struct {
	service services.RestoreServiceProvider

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewRestoreHandler creates a new RestoreHandler.
func NewRestoreHandler(service services.RestoreServiceProvider) *RestoreHandler {
	return &RestoreHandler{service: service, cancels: make(map[string]context.CancelFunc)}
}

// CreateRestorePayload is the expected JSON body for starting a restore.
type CreateRestorePayload struct {
	TargetIDs []string   `json:"targetIds"`
	AsOf      *time.Time `json:"asOf,omitempty"`
	JobID     string     `json:"jobId,omitempty"`
	DryRun    bool       `json:"dryRun"`
}

// Create validates and starts a restore request. Dry runs resolve
// synchronously; real restores are long-running and execute in the
// background.
func (h *RestoreHandler) Create(w http.ResponseWriter, r *http.Request) {
	var payload CreateRestorePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	req, err := h.service.CreateRequest(payload.TargetIDs, payload.AsOf, payload.JobID, payload.DryRun)
	if err != nil {
		if errors.Is(err, models.ErrConfiguration) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Error().Err(err).Msg("Failed to create restore request")
		http.Error(w, "Failed to create restore request: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if req.DryRun {
		resolved, err := h.service.Execute(r.Context(), req)
		if err != nil {
			http.Error(w, "Dry run failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(resolved)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.cancels[req.ID] = cancel
	h.mu.Unlock()

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.cancels, req.ID)
			h.mu.Unlock()
			cancel()
		}()
		if _, err := h.service.Execute(ctx, req); err != nil {
			log.Error().Err(err).Str("request_id", req.ID).Msg("Restore execution failed")
		}
	}()

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(req)
}

// Get returns a restore request and its per-target results.
func (h *RestoreHandler) Get(w http.ResponseWriter, r *http.Request) {
	req, err := h.service.GetRequest(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Restore request not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(req)
}

// GetRecent lists the most recent restore requests.
func (h *RestoreHandler) GetRecent(w http.ResponseWriter, r *http.Request) {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 20
	}
	reqs, err := h.service.GetRecentRequests(limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to retrieve restore requests")
		http.Error(w, "Failed to retrieve restore requests: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(reqs)
}

// Cancel requests cooperative cancellation of a running restore. Targets not
// yet attempted are skipped; the target currently restoring is never
// interrupted mid-flight.
func (h *RestoreHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.mu.Lock()
	cancel, ok := h.cancels[id]
	h.mu.Unlock()
	if !ok {
		http.Error(w, "No running restore with that id", http.StatusNotFound)
		return
	}
	cancel()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Cancellation requested; in-flight target will finish first."})
}
