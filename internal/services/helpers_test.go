package services

import (
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/averos/backstop/internal/database"
	"github.com/averos/backstop/internal/models"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { db.Close() })
	return db
}

// recordingEvents captures emitted events for assertions.
type recordingEvents struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recordingEvents) CreateEvent(eventType, level, message string, targetID *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, models.Event{Type: eventType, Level: level, Message: message, TargetID: targetID})
	return nil
}

func (r *recordingEvents) GetRecentEvents(limit int) ([]models.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Event(nil), r.events...), nil
}

func (r *recordingEvents) byType(eventType string) []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func verifiedRecord(targetID, jobID string, finishedAt time.Time, uri string) models.BackupRecord {
	return models.BackupRecord{
		TargetID:    targetID,
		JobID:       jobID,
		StartedAt:   finishedAt.Add(-time.Minute),
		FinishedAt:  finishedAt,
		Status:      models.StatusCompleted,
		ArtifactURI: uri,
		Size:        128,
		Checksum:    "deadbeef",
		Verified:    true,
	}
}
