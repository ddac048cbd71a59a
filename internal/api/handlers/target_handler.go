package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/averos/backstop/internal/models"
	"github.com/averos/backstop/internal/services"
)

// TargetHandler handles HTTP requests related to protected targets.
type TargetHandler struct {
	targets   []models.Target
	byID      map[string]models.Target
	backupSvc services.BackupServiceProvider
}

// NewTargetHandler creates a new TargetHandler.
func NewTargetHandler(targets []models.Target, backupSvc services.BackupServiceProvider) *TargetHandler {
	byID := make(map[string]models.Target, len(targets))
	for _, t := range targets {
		byID[t.ID] = t
	}
	return &TargetHandler{targets: targets, byID: byID, backupSvc: backupSvc}
}

// GetAll lists the configured targets.
func (h *TargetHandler) GetAll(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.targets)
}

// Get returns a single target.
func (h *TargetHandler) Get(w http.ResponseWriter, r *http.Request) {
	target, ok := h.byID[chi.URLParam(r, "id")]
	if !ok {
		http.Error(w, "Unknown target", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(target)
}

// TriggerBackup starts an ad-hoc backup cycle for a target. The single-flight
// guarantee still applies: a cycle already in flight makes this a no-op.
func (h *TargetHandler) TriggerBackup(w http.ResponseWriter, r *http.Request) {
	target, ok := h.byID[chi.URLParam(r, "id")]
	if !ok {
		http.Error(w, "Unknown target", http.StatusNotFound)
		return
	}

	started := h.backupSvc.Trigger(target)
	w.Header().Set("Content-Type", "application/json")
	if !started {
		log.Info().Str("target", target.ID).Msg("Ad-hoc backup trigger dropped")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"message": "A backup cycle for this target is already running."})
		return
	}
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"message": "Backup cycle started."})
}
