package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/averos/backstop/internal/driver"
	"github.com/averos/backstop/internal/models"
	"github.com/averos/backstop/internal/verify"
)

// ErrCycleInFlight is returned when a trigger arrives for a target whose
// previous cycle has not finished. The trigger is dropped, never queued.
var ErrCycleInFlight = fmt.Errorf("backup cycle already in flight")

// BackupServiceProvider defines the interface for backup cycle execution.
type BackupServiceProvider interface {
	Trigger(target models.Target) bool
	Run(ctx context.Context, target models.Target) (models.BackupRecord, error)
	InFlight(targetID string) bool
}

// BackupService drives one backup cycle per trigger: dump, verify, catalog
// append, retention. At most one cycle per target runs at any time.
type BackupService struct {
	catalog      CatalogProvider
	drivers      driver.Registry
	verifier     *verify.Verifier
	retention    RetentionProvider
	events       EventServiceProvider
	artifactPath string
	jobTimeout   time.Duration
	now          func() time.Time

	mu      sync.Mutex
	running map[string]bool
}

// NewBackupService creates a new BackupService.
func NewBackupService(catalog CatalogProvider, drivers driver.Registry, verifier *verify.Verifier, retention RetentionProvider, events EventServiceProvider, artifactPath string, jobTimeout time.Duration) *BackupService {
	if err := os.MkdirAll(artifactPath, 0o755); err != nil {
		log.Error().Err(err).Str("path", artifactPath).Msg("Failed to create base artifact directory")
	}
	return &BackupService{
		catalog:      catalog,
		drivers:      drivers,
		verifier:     verifier,
		retention:    retention,
		events:       events,
		artifactPath: artifactPath,
		jobTimeout:   jobTimeout,
		now:          time.Now,
		running:      make(map[string]bool),
	}
}

// InFlight reports whether a cycle for the target is currently running.
func (s *BackupService) InFlight(targetID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[targetID]
}

func (s *BackupService) acquire(targetID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[targetID] {
		return false
	}
	s.running[targetID] = true
	return true
}

func (s *BackupService) release(targetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, targetID)
}

// Trigger starts a backup cycle for the target in the background and reports
// whether a cycle was actually started. If a cycle is already in flight the
// trigger is a logged no-op.
func (s *BackupService) Trigger(target models.Target) bool {
	if !s.acquire(target.ID) {
		log.Info().Str("target", target.ID).Msg("Backup trigger dropped: cycle already in flight")
		return false
	}
	go func() {
		defer s.release(target.ID)
		s.runCycle(context.Background(), target)
	}()
	return true
}

// Run executes one backup cycle synchronously, still under the single-flight
// guarantee. Used by the one-shot mode and the ad-hoc API trigger.
func (s *BackupService) Run(ctx context.Context, target models.Target) (models.BackupRecord, error) {
	if !s.acquire(target.ID) {
		return models.BackupRecord{}, fmt.Errorf("target %s: %w", target.ID, ErrCycleInFlight)
	}
	defer s.release(target.ID)
	return s.runCycle(ctx, target)
}

// runCycle walks one job through its state machine. The returned record is
// terminal: Completed (and cataloged) or Failed.
func (s *BackupService) runCycle(ctx context.Context, target models.Target) (models.BackupRecord, error) {
	d, err := s.drivers.For(target)
	if err != nil {
		return models.BackupRecord{}, err
	}

	rec := models.BackupRecord{
		TargetID:  target.ID,
		JobID:     uuid.New().String(),
		StartedAt: s.now().UTC(),
		Status:    models.StatusScheduled,
	}
	rec.Transition(models.StatusRunning)
	log.Info().Str("target", target.ID).Str("job", rec.JobID).Msg("Backup cycle started")

	// The whole cycle is bounded; a wedged dump is cancelled, not resumed.
	ctx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()

	uri, size, err := driver.Produce(ctx, d, target, s.artifactPath, rec.StartedAt)
	if err != nil {
		return s.fail(rec, target, "backup.fail", err)
	}
	rec.ArtifactURI = uri
	rec.Size = size

	if rec.Checksum, err = checksumFile(uri); err != nil {
		return s.fail(rec, target, "backup.fail", models.WrapFailure(models.ErrBackupFailed, "target %s: checksum: %v", target.ID, err))
	}

	rec.Transition(models.StatusVerifying)
	if err := s.verifier.Check(uri); err != nil {
		// The artifact stays on disk for diagnosis but never enters the
		// catalog; the monitor surfaces the alert.
		return s.fail(rec, target, "backup.verify.fail", err)
	}
	rec.Verified = true

	rec.FinishedAt = s.now().UTC()
	rec.Transition(models.StatusCompleted)
	if err := s.catalog.Append(rec); err != nil {
		return rec, err
	}

	s.events.CreateEvent("backup.complete", "info",
		fmt.Sprintf("Backup %s for target '%s' completed (%d bytes).", rec.JobID, target.ID, rec.Size), &rec.TargetID)
	log.Info().Str("target", target.ID).Str("job", rec.JobID).Int64("size", rec.Size).Msg("Backup cycle completed")

	if err := s.retention.Prune(target); err != nil {
		// Retention problems are never fatal to the cycle.
		log.Warn().Err(err).Str("target", target.ID).Msg("Retention pass reported errors")
	}
	return rec, nil
}

func (s *BackupService) fail(rec models.BackupRecord, target models.Target, eventType string, cause error) (models.BackupRecord, error) {
	rec.FinishedAt = s.now().UTC()
	rec.Transition(models.StatusFailed)
	s.events.CreateEvent(eventType, "error",
		fmt.Sprintf("Backup %s for target '%s' failed: %v", rec.JobID, target.ID, cause), &rec.TargetID)
	log.Error().Err(cause).Str("target", target.ID).Str("job", rec.JobID).Msg("Backup cycle failed")
	return rec, cause
}

func checksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
