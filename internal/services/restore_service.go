package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/averos/backstop/internal/driver"
	"github.com/averos/backstop/internal/models"
)

// RestoreServiceProvider defines the interface for restore orchestration.
type RestoreServiceProvider interface {
	CreateRequest(targetIDs []string, asOf *time.Time, jobID string, dryRun bool) (models.RestoreRequest, error)
	Execute(ctx context.Context, req models.RestoreRequest) (models.RestoreRequest, error)
	GetRequest(id string) (models.RestoreRequest, error)
	GetRecentRequests(limit int) ([]models.RestoreRequest, error)
}

// RestoreService drives point-in-time restores across targets. Targets are
// processed strictly in request order; one target's failure never rolls back
// siblings already restored — partial completion is reported, reconciliation
// is the operator's call. Cancellation is cooperative and only honored
// between targets, never mid-restore.
type RestoreService struct {
	db      *sql.DB
	catalog CatalogProvider
	drivers driver.Registry
	targets map[string]models.Target
	events  EventServiceProvider
	now     func() time.Time
}

// NewRestoreService creates a new RestoreService.
func NewRestoreService(db *sql.DB, catalog CatalogProvider, drivers driver.Registry, targets []models.Target, events EventServiceProvider) *RestoreService {
	byID := make(map[string]models.Target, len(targets))
	for _, t := range targets {
		byID[t.ID] = t
	}
	return &RestoreService{
		db:      db,
		catalog: catalog,
		drivers: drivers,
		targets: byID,
		events:  events,
		now:     time.Now,
	}
}

// CreateRequest validates and persists a new restore request in Pending
// state. Either asOf or jobID selects the recovery point; omitting both
// means "latest".
func (s *RestoreService) CreateRequest(targetIDs []string, asOf *time.Time, jobID string, dryRun bool) (models.RestoreRequest, error) {
	if len(targetIDs) == 0 {
		return models.RestoreRequest{}, models.WrapFailure(models.ErrConfiguration, "restore request without targets")
	}
	if asOf != nil && jobID != "" {
		return models.RestoreRequest{}, models.WrapFailure(models.ErrConfiguration, "asOf and jobId are mutually exclusive")
	}
	seen := make(map[string]bool, len(targetIDs))
	for _, id := range targetIDs {
		if _, ok := s.targets[id]; !ok {
			return models.RestoreRequest{}, models.WrapFailure(models.ErrConfiguration, "unknown target %q", id)
		}
		if seen[id] {
			return models.RestoreRequest{}, models.WrapFailure(models.ErrConfiguration, "duplicate target %q", id)
		}
		seen[id] = true
	}

	req := models.RestoreRequest{
		ID:        uuid.New().String(),
		TargetIDs: targetIDs,
		AsOf:      asOf,
		JobID:     jobID,
		DryRun:    dryRun,
		Status:    models.RestorePending,
		CreatedAt: s.now().UTC(),
	}
	if err := s.insert(req); err != nil {
		return models.RestoreRequest{}, err
	}
	return req, nil
}

// Execute runs the restore request to completion and returns its final
// state. The request's target order is the execution order.
func (s *RestoreService) Execute(ctx context.Context, req models.RestoreRequest) (models.RestoreRequest, error) {
	req.Status = models.RestoreRunning
	if err := s.update(req); err != nil {
		return req, err
	}
	s.events.CreateEvent("restore.start", "warn",
		fmt.Sprintf("Restore %s started across %d target(s).", req.ID, len(req.TargetIDs)), nil)

	cancelled := false
	for _, targetID := range req.TargetIDs {
		// Cooperative cancellation, checked only at target boundaries.
		if cancelled || ctx.Err() != nil {
			cancelled = true
			req.Results = append(req.Results, models.TargetResult{TargetID: targetID, Outcome: models.OutcomeSkipped, Error: "cancelled"})
			continue
		}
		req.Results = append(req.Results, s.restoreTarget(ctx, req, targetID))
	}

	req.Status = req.Aggregate()
	finished := s.now().UTC()
	req.FinishedAt = &finished
	if err := s.update(req); err != nil {
		return req, err
	}

	level := "info"
	if req.Status != models.RestoreCompleted {
		level = "error"
	}
	s.events.CreateEvent("restore.finish", level,
		fmt.Sprintf("Restore %s finished with status %s.", req.ID, req.Status), nil)
	return req, nil
}

// restoreTarget resolves the recovery point for one target, leases it, and
// applies it. The lease is held for the whole driver restore so retention
// cannot delete the entry out from under it.
func (s *RestoreService) restoreTarget(ctx context.Context, req models.RestoreRequest, targetID string) models.TargetResult {
	target := s.targets[targetID]

	entry, err := s.selectEntry(req, targetID)
	if err != nil {
		log.Error().Err(err).Str("target", targetID).Str("request", req.ID).Msg("No recovery point for restore")
		return models.TargetResult{TargetID: targetID, Outcome: models.OutcomeFailed, Error: err.Error()}
	}

	if req.DryRun {
		return models.TargetResult{TargetID: targetID, Outcome: models.OutcomeCompleted, JobID: entry.JobID}
	}

	s.catalog.AcquireLease(entry.TargetID, entry.JobID)
	defer s.catalog.ReleaseLease(entry.TargetID, entry.JobID)

	d, err := s.drivers.For(target)
	if err != nil {
		return models.TargetResult{TargetID: targetID, Outcome: models.OutcomeFailed, Error: err.Error()}
	}

	s.events.CreateEvent("restore.target.start", "warn",
		fmt.Sprintf("Restoring target '%s' from backup %s.", targetID, entry.JobID), &targetID)
	if err := d.Restore(ctx, target, entry.ArtifactURI); err != nil {
		s.events.CreateEvent("restore.target.fail", "error",
			fmt.Sprintf("Restore of target '%s' from backup %s failed: %v", targetID, entry.JobID, err), &targetID)
		return models.TargetResult{TargetID: targetID, Outcome: models.OutcomeFailed, JobID: entry.JobID, Error: err.Error()}
	}

	s.events.CreateEvent("restore.target.finish", "info",
		fmt.Sprintf("Target '%s' restored from backup %s.", targetID, entry.JobID), &targetID)
	return models.TargetResult{TargetID: targetID, Outcome: models.OutcomeCompleted, JobID: entry.JobID}
}

func (s *RestoreService) selectEntry(req models.RestoreRequest, targetID string) (models.BackupRecord, error) {
	if req.JobID != "" {
		entry, err := s.catalog.GetEntry(targetID, req.JobID)
		if err != nil {
			return models.BackupRecord{}, models.WrapFailure(models.ErrRestoreFailed, "target %s: backup %s not in catalog", targetID, req.JobID)
		}
		if !entry.Verified {
			return models.BackupRecord{}, models.WrapFailure(models.ErrRestoreFailed, "target %s: backup %s is not verified", targetID, req.JobID)
		}
		return entry, nil
	}

	asOf := s.now().UTC()
	if req.AsOf != nil {
		asOf = *req.AsOf
	}
	entry, err := s.catalog.SelectAsOf(targetID, asOf)
	if err != nil {
		if errors.Is(err, ErrNoCatalogEntry) {
			return models.BackupRecord{}, models.WrapFailure(models.ErrRestoreFailed, "target %s: no verified backup at or before %s", targetID, asOf.Format(time.RFC3339))
		}
		return models.BackupRecord{}, err
	}
	return entry, nil
}

// GetRequest retrieves a restore request by id.
func (s *RestoreService) GetRequest(id string) (models.RestoreRequest, error) {
	row := s.db.QueryRow(
		"SELECT id, target_ids_json, as_of, job_id, dry_run, status, results_json, created_at, finished_at FROM restore_requests WHERE id = ?", id)
	req, err := s.scanRequest(row)
	if err == sql.ErrNoRows {
		return models.RestoreRequest{}, fmt.Errorf("restore request %s not found", id)
	}
	return req, err
}

// GetRecentRequests retrieves the most recent restore requests.
func (s *RestoreService) GetRecentRequests(limit int) ([]models.RestoreRequest, error) {
	rows, err := s.db.Query(
		"SELECT id, target_ids_json, as_of, job_id, dry_run, status, results_json, created_at, finished_at FROM restore_requests ORDER BY created_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []models.RestoreRequest
	for rows.Next() {
		req, err := s.scanRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

func (s *RestoreService) insert(req models.RestoreRequest) error {
	targetsJSON, _ := json.Marshal(req.TargetIDs)
	_, err := s.db.Exec(`
		INSERT INTO restore_requests (id, target_ids_json, as_of, job_id, dry_run, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, req.ID, string(targetsJSON), req.AsOf, nullableString(req.JobID), req.DryRun, req.Status, req.CreatedAt)
	return err
}

func (s *RestoreService) update(req models.RestoreRequest) error {
	resultsJSON, _ := json.Marshal(req.Results)
	_, err := s.db.Exec(
		"UPDATE restore_requests SET status = ?, results_json = ?, finished_at = ? WHERE id = ?",
		req.Status, string(resultsJSON), req.FinishedAt, req.ID)
	return err
}

func (s *RestoreService) scanRequest(scanner interface{ Scan(...interface{}) error }) (models.RestoreRequest, error) {
	var (
		req         models.RestoreRequest
		targetsJSON string
		resultsJSON sql.NullString
		jobID       sql.NullString
		asOf        sql.NullTime
		finishedAt  sql.NullTime
	)
	err := scanner.Scan(&req.ID, &targetsJSON, &asOf, &jobID, &req.DryRun, &req.Status, &resultsJSON, &req.CreatedAt, &finishedAt)
	if err != nil {
		return models.RestoreRequest{}, err
	}
	json.Unmarshal([]byte(targetsJSON), &req.TargetIDs)
	if resultsJSON.Valid && resultsJSON.String != "" {
		json.Unmarshal([]byte(resultsJSON.String), &req.Results)
	}
	if jobID.Valid {
		req.JobID = jobID.String
	}
	if asOf.Valid {
		t := asOf.Time
		req.AsOf = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		req.FinishedAt = &t
	}
	return req, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
