package driver

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/averos/backstop/internal/models"
)

// RelationalDriver backs up a PostgreSQL database as a gzipped logical dump
// produced by pg_dump, which gives a transactionally consistent snapshot.
type RelationalDriver struct {
	runner Runner
}

// NewRelationalDriver creates the relational store driver.
func NewRelationalDriver(runner Runner) *RelationalDriver {
	return &RelationalDriver{runner: runner}
}

func (d *RelationalDriver) Kind() models.StoreKind { return models.StoreRelational }
func (d *RelationalDriver) Ext() string            { return "sql.gz" }

func (d *RelationalDriver) Dump(ctx context.Context, target models.Target, destPath string) error {
	if err := d.runner.Alive(ctx, target); err != nil {
		return err
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("target %s: could not create dump file: %w", target.ID, err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	cmd := []string{
		"pg_dump",
		"-h", target.Conn.Host,
		"-p", strconv.Itoa(target.Conn.Port),
		"-U", target.Conn.User,
		"--no-password",
		target.Conn.Database,
	}
	env := []string{"PGPASSWORD=" + target.Conn.Password}
	if err := d.runner.Run(ctx, target, cmd, env, nil, gz); err != nil {
		return models.WrapFailure(models.ErrBackupFailed, "%v", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("target %s: could not finish dump file: %w", target.ID, err)
	}
	return out.Close()
}

func (d *RelationalDriver) Restore(ctx context.Context, target models.Target, artifactPath string) error {
	if err := d.runner.Alive(ctx, target); err != nil {
		return err
	}

	in, err := os.Open(artifactPath)
	if err != nil {
		return models.WrapFailure(models.ErrRestoreFailed, "target %s: cannot read artifact: %v", target.ID, err)
	}
	defer in.Close()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return models.WrapFailure(models.ErrRestoreFailed, "target %s: corrupt artifact: %v", target.ID, err)
	}
	defer gz.Close()

	cmd := []string{
		"psql",
		"-h", target.Conn.Host,
		"-p", strconv.Itoa(target.Conn.Port),
		"-U", target.Conn.User,
		"--no-password",
		"-v", "ON_ERROR_STOP=1",
		target.Conn.Database,
	}
	env := []string{"PGPASSWORD=" + target.Conn.Password}
	if err := d.runner.Run(ctx, target, cmd, env, gz, io.Discard); err != nil {
		return models.WrapFailure(models.ErrRestoreFailed, "%v", err)
	}
	return nil
}
