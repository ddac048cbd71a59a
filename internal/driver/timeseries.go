package driver

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/google/uuid"

	"github.com/averos/backstop/internal/models"
)

// TimeSeriesDriver backs up an InfluxDB instance through its native backup
// API, then transfers the produced backup directory as a tar archive.
type TimeSeriesDriver struct {
	runner Runner
}

// NewTimeSeriesDriver creates the time-series store driver.
func NewTimeSeriesDriver(runner Runner) *TimeSeriesDriver {
	return &TimeSeriesDriver{runner: runner}
}

func (d *TimeSeriesDriver) Kind() models.StoreKind { return models.StoreTimeSeries }
func (d *TimeSeriesDriver) Ext() string            { return "tar" }

func (d *TimeSeriesDriver) hostURL(target models.Target) string {
	return fmt.Sprintf("http://%s:%s", target.Conn.Host, strconv.Itoa(target.Conn.Port))
}

func (d *TimeSeriesDriver) Dump(ctx context.Context, target models.Target, destPath string) error {
	if err := d.runner.Alive(ctx, target); err != nil {
		return err
	}

	// Back up into a scratch directory on the store host, then pull the
	// whole directory out as one archive.
	scratch := "/tmp/backstop-" + uuid.New().String()
	cmd := []string{"influx", "backup", scratch, "--host", d.hostURL(target)}
	if target.Conn.Password != "" {
		cmd = append(cmd, "--token", target.Conn.Password)
	}
	if err := d.runner.Run(ctx, target, cmd, nil, nil, io.Discard); err != nil {
		return models.WrapFailure(models.ErrBackupFailed, "%v", err)
	}
	defer d.runner.Run(ctx, target, []string{"rm", "-rf", scratch}, nil, nil, io.Discard)

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("target %s: could not create archive file: %w", target.ID, err)
	}
	defer out.Close()

	if _, err := d.runner.FetchArchive(ctx, target, scratch, out); err != nil {
		return models.WrapFailure(models.ErrBackupFailed, "target %s: could not transfer backup directory: %v", target.ID, err)
	}
	return out.Close()
}

func (d *TimeSeriesDriver) Restore(ctx context.Context, target models.Target, artifactPath string) error {
	if err := d.runner.Alive(ctx, target); err != nil {
		return err
	}

	in, err := os.Open(artifactPath)
	if err != nil {
		return models.WrapFailure(models.ErrRestoreFailed, "target %s: cannot read artifact: %v", target.ID, err)
	}
	defer in.Close()

	scratch := "/tmp/backstop-restore-" + uuid.New().String()
	if err := d.runner.Run(ctx, target, []string{"mkdir", "-p", scratch}, nil, nil, io.Discard); err != nil {
		return models.WrapFailure(models.ErrRestoreFailed, "%v", err)
	}
	defer d.runner.Run(ctx, target, []string{"rm", "-rf", scratch}, nil, nil, io.Discard)

	if err := d.runner.PushArchive(ctx, target, scratch, in); err != nil {
		return models.WrapFailure(models.ErrRestoreFailed, "target %s: %v", target.ID, err)
	}

	// The archive carries the backup directory as its top-level entry.
	cmd := []string{"sh", "-c", fmt.Sprintf("influx restore --full %s/*/ --host %s", scratch, d.hostURL(target))}
	if target.Conn.Password != "" {
		cmd = []string{"sh", "-c", fmt.Sprintf("influx restore --full %s/*/ --host %s --token %s", scratch, d.hostURL(target), target.Conn.Password)}
	}
	if err := d.runner.Run(ctx, target, cmd, nil, nil, io.Discard); err != nil {
		return models.WrapFailure(models.ErrRestoreFailed, "%v", err)
	}
	return nil
}
