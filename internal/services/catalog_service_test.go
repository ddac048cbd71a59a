package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/averos/backstop/internal/models"
)

func TestCatalogAppendRequiresVerification(t *testing.T) {
	catalog := NewCatalogService(testDB(t))

	rec := verifiedRecord("orders-db", "j1", time.Now().UTC(), "/tmp/a")
	rec.Verified = false
	assert.Error(t, catalog.Append(rec), "unverified records must never enter the catalog")

	rec.Verified = true
	rec.Status = models.StatusVerifying
	assert.Error(t, catalog.Append(rec), "non-terminal records must never enter the catalog")

	rec.Status = models.StatusCompleted
	require.NoError(t, catalog.Append(rec))

	entries, err := catalog.EntriesForTarget("orders-db")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCatalogRejectsDuplicateKey(t *testing.T) {
	catalog := NewCatalogService(testDB(t))
	rec := verifiedRecord("orders-db", "j1", time.Now().UTC(), "/tmp/a")

	require.NoError(t, catalog.Append(rec))
	assert.Error(t, catalog.Append(rec), "the catalog never holds two entries with the same (target, job)")
}

func TestCatalogSelectAsOf(t *testing.T) {
	catalog := NewCatalogService(testDB(t))
	day := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)

	require.NoError(t, catalog.Append(verifiedRecord("orders-db", "j1", day.Add(10*time.Hour), "/tmp/a")))
	require.NoError(t, catalog.Append(verifiedRecord("orders-db", "j2", day.Add(14*time.Hour), "/tmp/b")))

	// Entries at 10:00 and 14:00; asking for 12:00 selects 10:00.
	entry, err := catalog.SelectAsOf("orders-db", day.Add(12*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "j1", entry.JobID)

	entry, err = catalog.SelectAsOf("orders-db", day.Add(15*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "j2", entry.JobID)

	_, err = catalog.SelectAsOf("orders-db", day.Add(9*time.Hour))
	assert.ErrorIs(t, err, ErrNoCatalogEntry)
}

func TestCatalogSelectAsOfTieBreaksOnJobID(t *testing.T) {
	catalog := NewCatalogService(testDB(t))
	at := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

	require.NoError(t, catalog.Append(verifiedRecord("quote-cache", "aaa", at, "/tmp/a")))
	require.NoError(t, catalog.Append(verifiedRecord("quote-cache", "zzz", at, "/tmp/b")))

	entry, err := catalog.SelectAsOf("quote-cache", at)
	require.NoError(t, err)
	assert.Equal(t, "zzz", entry.JobID, "timestamp ties resolve to the highest job id")
}

func TestCatalogEntriesInRange(t *testing.T) {
	catalog := NewCatalogService(testDB(t))
	day := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	for i, job := range []string{"j1", "j2", "j3"} {
		require.NoError(t, catalog.Append(verifiedRecord("ticks", job, day.AddDate(0, 0, i), "/tmp/"+job)))
	}

	entries, err := catalog.EntriesInRange("ticks", day.AddDate(0, 0, 1), day.AddDate(0, 0, 2))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "j3", entries[0].JobID)
	assert.Equal(t, "j2", entries[1].JobID)
}

func TestCatalogLeaseRefCounting(t *testing.T) {
	catalog := NewCatalogService(testDB(t))

	assert.False(t, catalog.Leased("orders-db", "j1"))
	catalog.AcquireLease("orders-db", "j1")
	catalog.AcquireLease("orders-db", "j1")
	assert.True(t, catalog.Leased("orders-db", "j1"))

	catalog.ReleaseLease("orders-db", "j1")
	assert.True(t, catalog.Leased("orders-db", "j1"), "entry stays leased until the last holder releases")
	catalog.ReleaseLease("orders-db", "j1")
	assert.False(t, catalog.Leased("orders-db", "j1"))
}

func TestCatalogDeleteIsIdempotent(t *testing.T) {
	catalog := NewCatalogService(testDB(t))
	rec := verifiedRecord("orders-db", "j1", time.Now().UTC(), "/tmp/a")
	require.NoError(t, catalog.Append(rec))

	require.NoError(t, catalog.Delete("orders-db", "j1"))
	require.NoError(t, catalog.Delete("orders-db", "j1"), "re-running a prune after a crash must be safe")
}
