package driver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/averos/backstop/internal/models"
)

// Driver is the per-store-kind backup strategy. Dump writes the artifact to
// destPath (a private temp path chosen by the caller); Restore applies a
// published artifact back onto the store.
type Driver interface {
	Kind() models.StoreKind
	Ext() string
	Dump(ctx context.Context, target models.Target, destPath string) error
	Restore(ctx context.Context, target models.Target, artifactPath string) error
}

// Registry maps store kinds to their drivers.
type Registry map[models.StoreKind]Driver

// NewRegistry builds the default driver set on top of a runner.
func NewRegistry(runner Runner) Registry {
	drivers := []Driver{
		NewRelationalDriver(runner),
		NewCacheDriver(runner),
		NewTimeSeriesDriver(runner),
		NewEventBusDriver(),
	}
	reg := make(Registry, len(drivers))
	for _, d := range drivers {
		reg[d.Kind()] = d
	}
	return reg
}

// For returns the driver for a target's store kind.
func (r Registry) For(target models.Target) (Driver, error) {
	d, ok := r[target.Kind]
	if !ok {
		return nil, models.WrapFailure(models.ErrConfiguration, "no driver for store kind %q", target.Kind)
	}
	return d, nil
}

// ArtifactName builds the canonical artifact file name for a job:
// <target-id>_backup_<UTC-timestamp>.<ext>.
func ArtifactName(targetID string, startedAt time.Time, ext string) string {
	return fmt.Sprintf("%s_backup_%s.%s", targetID, startedAt.UTC().Format("20060102150405"), ext)
}

// Produce runs a dump into a private temp path and atomically publishes it
// into the artifact directory, so no reader ever observes a partial file.
// A missing or zero-sized result fails the dump.
func Produce(ctx context.Context, d Driver, target models.Target, artifactDir string, startedAt time.Time) (uri string, size int64, err error) {
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("could not create artifact directory: %w", err)
	}

	name := ArtifactName(target.ID, startedAt, d.Ext())
	final := filepath.Join(artifactDir, name)
	tmp := filepath.Join(artifactDir, "."+name+".tmp")
	defer os.Remove(tmp)

	if err := d.Dump(ctx, target, tmp); err != nil {
		return "", 0, err
	}

	fi, err := os.Stat(tmp)
	if err != nil {
		return "", 0, models.WrapFailure(models.ErrBackupFailed, "target %s: dump produced no artifact", target.ID)
	}
	if fi.Size() == 0 {
		return "", 0, models.WrapFailure(models.ErrBackupFailed, "target %s: dump produced empty artifact", target.ID)
	}

	if err := os.Rename(tmp, final); err != nil {
		return "", 0, fmt.Errorf("could not publish artifact: %w", err)
	}
	return final, fi.Size(), nil
}
