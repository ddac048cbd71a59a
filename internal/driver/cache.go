package driver

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"

	"github.com/averos/backstop/internal/models"
)

// Redis writes its snapshot here inside the official images.
const redisSnapshotPath = "/data/dump.rdb"

// CacheDriver backs up a Redis instance by forcing a synchronous point-in-time
// snapshot (SAVE) and transferring the resulting RDB file.
type CacheDriver struct {
	runner Runner
}

// NewCacheDriver creates the cache/KV store driver.
func NewCacheDriver(runner Runner) *CacheDriver {
	return &CacheDriver{runner: runner}
}

func (d *CacheDriver) Kind() models.StoreKind { return models.StoreCache }
func (d *CacheDriver) Ext() string            { return "rdb" }

func (d *CacheDriver) redisCli(target models.Target, args ...string) []string {
	cmd := []string{"redis-cli", "-h", target.Conn.Host, "-p", strconv.Itoa(target.Conn.Port)}
	return append(cmd, args...)
}

func (d *CacheDriver) Dump(ctx context.Context, target models.Target, destPath string) error {
	if err := d.runner.Alive(ctx, target); err != nil {
		return err
	}

	if err := d.runner.Run(ctx, target, d.redisCli(target, "SAVE"), nil, nil, io.Discard); err != nil {
		return models.WrapFailure(models.ErrBackupFailed, "%v", err)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("target %s: could not create snapshot file: %w", target.ID, err)
	}
	defer out.Close()

	if _, err := d.runner.FetchFile(ctx, target, redisSnapshotPath, out); err != nil {
		return models.WrapFailure(models.ErrBackupFailed, "target %s: could not transfer snapshot: %v", target.ID, err)
	}
	return out.Close()
}

// Restore places the RDB file back and shuts the instance down without a
// save, so the supervisor's restart loads the restored snapshot.
func (d *CacheDriver) Restore(ctx context.Context, target models.Target, artifactPath string) error {
	if err := d.runner.Alive(ctx, target); err != nil {
		return err
	}

	in, err := os.Open(artifactPath)
	if err != nil {
		return models.WrapFailure(models.ErrRestoreFailed, "target %s: cannot read artifact: %v", target.ID, err)
	}
	defer in.Close()

	archive, err := singleFileArchive(path.Base(redisSnapshotPath), in)
	if err != nil {
		return models.WrapFailure(models.ErrRestoreFailed, "target %s: %v", target.ID, err)
	}
	if err := d.runner.PushArchive(ctx, target, path.Dir(redisSnapshotPath), archive); err != nil {
		return models.WrapFailure(models.ErrRestoreFailed, "target %s: %v", target.ID, err)
	}

	if err := d.runner.Run(ctx, target, d.redisCli(target, "SHUTDOWN", "NOSAVE"), nil, nil, io.Discard); err != nil {
		// SHUTDOWN drops the connection; redis-cli reports that as a failure
		// even when the shutdown succeeded, so only the push above is fatal.
		return nil
	}
	return nil
}
