package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/averos/backstop/internal/services"
)

// BackupHandler handles HTTP requests against the backup catalog.
type BackupHandler struct {
	catalog services.CatalogProvider
}

// NewBackupHandler creates a new BackupHandler.
func NewBackupHandler(catalog services.CatalogProvider) *BackupHandler {
	return &BackupHandler{catalog: catalog}
}

// GetAllForTarget lists catalog entries for a target, optionally limited to a
// from/to timestamp range (RFC 3339).
func (h *BackupHandler) GetAllForTarget(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "id")

	fromStr := r.URL.Query().Get("from")
	toStr := r.URL.Query().Get("to")

	var (
		entries interface{}
		err     error
	)
	if fromStr != "" || toStr != "" {
		from := time.Time{}
		to := time.Now().UTC()
		if fromStr != "" {
			if from, err = time.Parse(time.RFC3339, fromStr); err != nil {
				http.Error(w, "Invalid 'from' timestamp", http.StatusBadRequest)
				return
			}
		}
		if toStr != "" {
			if to, err = time.Parse(time.RFC3339, toStr); err != nil {
				http.Error(w, "Invalid 'to' timestamp", http.StatusBadRequest)
				return
			}
		}
		entries, err = h.catalog.EntriesInRange(targetID, from, to)
	} else {
		entries, err = h.catalog.EntriesForTarget(targetID)
	}
	if err != nil {
		log.Error().Err(err).Str("target_id", targetID).Msg("Failed to retrieve catalog entries")
		http.Error(w, "Failed to retrieve catalog entries: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

// Get returns a single catalog entry.
func (h *BackupHandler) Get(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "id")
	jobID := chi.URLParam(r, "jobId")

	entry, err := h.catalog.GetEntry(targetID, jobID)
	if err != nil {
		http.Error(w, "Catalog entry not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entry)
}
