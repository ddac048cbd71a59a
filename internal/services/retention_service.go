package services

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/averos/backstop/internal/models"
)

// RetentionProvider defines the interface for retention enforcement.
type RetentionProvider interface {
	Prune(target models.Target) error
}

// RetentionService deletes catalog entries and artifacts older than the
// target's retention window. The single most recent verified entry is always
// kept, whatever its age, and entries leased by a running restore are skipped
// until the next pass. The whole pass is idempotent: a prune that died
// halfway (artifact gone, row still present, or the reverse) is reconciled by
// simply running again.
type RetentionService struct {
	catalog CatalogProvider
	events  EventServiceProvider
	now     func() time.Time
}

// NewRetentionService creates a new RetentionService.
func NewRetentionService(catalog CatalogProvider, events EventServiceProvider) *RetentionService {
	return &RetentionService{catalog: catalog, events: events, now: time.Now}
}

// Prune enforces the retention window for one target. Individual deletion
// failures are logged and left for the next pass; they never abort the pass
// or the backup cycle that ran it.
func (s *RetentionService) Prune(target models.Target) error {
	entries, err := s.catalog.EntriesForTarget(target.ID)
	if err != nil {
		return models.WrapFailure(models.ErrRetention, "target %s: %v", target.ID, err)
	}
	if len(entries) == 0 {
		return nil
	}

	// Entries arrive newest first; the newest verified one is untouchable.
	keepJobID := ""
	for _, e := range entries {
		if e.Verified {
			keepJobID = e.JobID
			break
		}
	}

	cutoff := s.now().UTC().Add(-target.Retention)
	var failures []error
	pruned := 0
	for _, e := range entries {
		// An entry exactly one window old is already expired.
		if e.FinishedAt.After(cutoff) {
			continue
		}
		if e.JobID == keepJobID {
			continue
		}
		if s.catalog.Leased(e.TargetID, e.JobID) {
			log.Info().Str("target", e.TargetID).Str("job", e.JobID).Msg("Retention skipping leased entry")
			continue
		}

		// Artifact first, then the row: re-running after a crash between the
		// two just finds the artifact already gone.
		if err := os.Remove(e.ArtifactURI); err != nil && !os.IsNotExist(err) {
			failures = append(failures, models.WrapFailure(models.ErrRetention, "target %s: artifact %s: %v", e.TargetID, e.ArtifactURI, err))
			continue
		}
		if err := s.catalog.Delete(e.TargetID, e.JobID); err != nil {
			failures = append(failures, models.WrapFailure(models.ErrRetention, "target %s: entry %s: %v", e.TargetID, e.JobID, err))
			continue
		}
		pruned++
	}

	if pruned > 0 {
		s.events.CreateEvent("retention.prune", "info",
			fmt.Sprintf("Retention pruned %d expired backup(s) for target '%s'.", pruned, target.ID), &target.ID)
	}
	for _, f := range failures {
		log.Warn().Err(f).Str("target", target.ID).Msg("Retention deletion failed, will retry next pass")
	}
	return errors.Join(failures...)
}
