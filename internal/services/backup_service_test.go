package services

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/averos/backstop/internal/driver"
	"github.com/averos/backstop/internal/models"
	"github.com/averos/backstop/internal/verify"
)

// scriptedDriver lets tests control what a dump produces.
type scriptedDriver struct {
	kind    models.StoreKind
	ext     string
	dump    func(ctx context.Context, target models.Target, destPath string) error
	restore func(ctx context.Context, target models.Target, artifactPath string) error
}

func (d *scriptedDriver) Kind() models.StoreKind { return d.kind }
func (d *scriptedDriver) Ext() string            { return d.ext }
func (d *scriptedDriver) Dump(ctx context.Context, target models.Target, destPath string) error {
	return d.dump(ctx, target, destPath)
}
func (d *scriptedDriver) Restore(ctx context.Context, target models.Target, artifactPath string) error {
	if d.restore == nil {
		return nil
	}
	return d.restore(ctx, target, artifactPath)
}

type recordingRetention struct {
	mu     sync.Mutex
	pruned []string
}

func (r *recordingRetention) Prune(target models.Target) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruned = append(r.pruned, target.ID)
	return nil
}

func (r *recordingRetention) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pruned)
}

func cacheTarget(id string) models.Target {
	return models.Target{ID: id, Kind: models.StoreCache, Cadence: "0 4 * * *", Retention: 30 * 24 * time.Hour}
}

func newBackupFixture(t *testing.T, d driver.Driver, timeout time.Duration) (*BackupService, *CatalogService, *recordingRetention, *recordingEvents) {
	t.Helper()
	catalog := NewCatalogService(testDB(t))
	retention := &recordingRetention{}
	events := &recordingEvents{}
	registry := driver.Registry{d.Kind(): d}
	svc := NewBackupService(catalog, registry, verify.New(), retention, events, t.TempDir(), timeout)
	return svc, catalog, retention, events
}

func TestRunCycleCompletesAndCatalogs(t *testing.T) {
	d := &scriptedDriver{kind: models.StoreCache, ext: "rdb", dump: func(_ context.Context, _ models.Target, dest string) error {
		return os.WriteFile(dest, []byte("REDIS0011snapshot-bytes"), 0o644)
	}}
	svc, catalog, retention, _ := newBackupFixture(t, d, time.Minute)

	rec, err := svc.Run(context.Background(), cacheTarget("quote-cache"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, rec.Status)
	assert.True(t, rec.Verified)
	assert.NotZero(t, rec.Size)

	// Round-trip: the recorded checksum matches the artifact on disk.
	sum, err := checksumFile(rec.ArtifactURI)
	require.NoError(t, err)
	assert.Equal(t, rec.Checksum, sum)

	entry, err := catalog.GetEntry("quote-cache", rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, rec.ArtifactURI, entry.ArtifactURI)

	assert.Equal(t, 1, retention.count(), "retention runs after a successful append")
}

func TestRunCycleEmptyArtifact(t *testing.T) {
	// Scenario: the dump "succeeds" but produces a zero-byte artifact.
	d := &scriptedDriver{kind: models.StoreCache, ext: "rdb", dump: func(_ context.Context, _ models.Target, dest string) error {
		return os.WriteFile(dest, nil, 0o644)
	}}
	svc, catalog, retention, _ := newBackupFixture(t, d, time.Minute)

	rec, err := svc.Run(context.Background(), cacheTarget("quote-cache"))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrBackupFailed)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Equal(t, 1, models.ExitCode(err))

	entries, err := catalog.EntriesForTarget("quote-cache")
	require.NoError(t, err)
	assert.Empty(t, entries, "a failed job never reaches the catalog")
	assert.Zero(t, retention.count(), "retention does not run for a failed cycle")
}

func TestRunCycleVerificationFailureKeepsArtifact(t *testing.T) {
	d := &scriptedDriver{kind: models.StoreCache, ext: "rdb", dump: func(_ context.Context, _ models.Target, dest string) error {
		return os.WriteFile(dest, []byte("SIDER-not-a-snapshot"), 0o644)
	}}
	svc, catalog, _, events := newBackupFixture(t, d, time.Minute)

	rec, err := svc.Run(context.Background(), cacheTarget("quote-cache"))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrVerifyFailed)
	assert.Equal(t, models.StatusFailed, rec.Status)

	// The artifact stays on disk for diagnosis.
	_, statErr := os.Stat(rec.ArtifactURI)
	assert.NoError(t, statErr)

	entries, err := catalog.EntriesForTarget("quote-cache")
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.Len(t, events.byType("backup.verify.fail"), 1, "verification failure raises an alert event")
}

func TestTriggerSingleFlightPerTarget(t *testing.T) {
	// Scenario: a second trigger arrives while the first cycle is running.
	block := make(chan struct{})
	started := make(chan struct{})
	var dumps sync.Mutex
	dumpCount := 0
	d := &scriptedDriver{kind: models.StoreCache, ext: "rdb", dump: func(_ context.Context, _ models.Target, dest string) error {
		dumps.Lock()
		dumpCount++
		dumps.Unlock()
		close(started)
		<-block
		return os.WriteFile(dest, []byte("REDIS0011snapshot"), 0o644)
	}}
	svc, catalog, _, _ := newBackupFixture(t, d, time.Minute)
	target := cacheTarget("quote-cache")

	assert.True(t, svc.Trigger(target))
	<-started
	assert.True(t, svc.InFlight(target.ID))
	assert.False(t, svc.Trigger(target), "second trigger while running is a no-op")

	close(block)
	require.Eventually(t, func() bool { return !svc.InFlight(target.ID) }, 5*time.Second, 10*time.Millisecond)

	dumps.Lock()
	defer dumps.Unlock()
	assert.Equal(t, 1, dumpCount, "exactly one backup record is created")
	entries, err := catalog.EntriesForTarget(target.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRunCycleTimeoutForcesFailure(t *testing.T) {
	d := &scriptedDriver{kind: models.StoreCache, ext: "rdb", dump: func(ctx context.Context, _ models.Target, dest string) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	svc, catalog, _, _ := newBackupFixture(t, d, 50*time.Millisecond)

	rec, err := svc.Run(context.Background(), cacheTarget("quote-cache"))
	require.Error(t, err)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	entries, err := catalog.EntriesForTarget("quote-cache")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunUnknownStoreKind(t *testing.T) {
	d := &scriptedDriver{kind: models.StoreCache, ext: "rdb", dump: func(_ context.Context, _ models.Target, dest string) error {
		return os.WriteFile(dest, []byte("REDIS0011"), 0o644)
	}}
	svc, _, _, _ := newBackupFixture(t, d, time.Minute)

	target := cacheTarget("weird")
	target.Kind = models.StoreRelational // not in this fixture's registry
	_, err := svc.Run(context.Background(), target)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConfiguration)
	assert.Equal(t, 2, models.ExitCode(err))
}
