package driver

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/averos/backstop/internal/docker"
	"github.com/averos/backstop/internal/models"
)

// Runner executes a store's native tooling, either on this host or inside
// the store's container when the target names one.
type Runner interface {
	// Run executes cmd and streams its stdout into stdout. A non-zero exit
	// status is returned as an error carrying a stderr excerpt.
	Run(ctx context.Context, target models.Target, cmd []string, env []string, stdin io.Reader, stdout io.Writer) error
	// FetchFile copies a single produced file from the store host into w.
	FetchFile(ctx context.Context, target models.Target, path string, w io.Writer) (int64, error)
	// FetchArchive copies a produced directory from the store host into w as
	// a tar stream.
	FetchArchive(ctx context.Context, target models.Target, path string, w io.Writer) (int64, error)
	// PushArchive extracts a tar stream into destDir on the store host.
	PushArchive(ctx context.Context, target models.Target, destDir string, content io.Reader) error
	// Alive probes reachability of the store; failure maps to ErrConnection.
	Alive(ctx context.Context, target models.Target) error
}

func stderrExcerpt(b []byte) string {
	const max = 300
	if len(b) > max {
		b = b[len(b)-max:]
	}
	return string(bytes.TrimSpace(b))
}

// DockerRunner runs store tooling through docker exec against the target's
// container.
type DockerRunner struct {
	cli *docker.Client
}

// NewDockerRunner creates a runner backed by the Docker API.
func NewDockerRunner(cli *docker.Client) *DockerRunner {
	return &DockerRunner{cli: cli}
}

func (r *DockerRunner) Run(ctx context.Context, target models.Target, cmd []string, env []string, stdin io.Reader, stdout io.Writer) error {
	if target.Conn.Container == "" {
		return models.WrapFailure(models.ErrConfiguration, "target %s: no container configured for docker runner", target.ID)
	}
	stderr, exitCode, err := r.cli.ExecInContainer(ctx, target.Conn.Container, cmd, env, stdin, stdout)
	if err != nil {
		return fmt.Errorf("target %s: %w", target.ID, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("target %s: %s exited with %d: %s", target.ID, cmd[0], exitCode, stderrExcerpt(stderr))
	}
	return nil
}

func (r *DockerRunner) FetchFile(ctx context.Context, target models.Target, path string, w io.Writer) (int64, error) {
	return r.cli.CopyFileFromContainer(ctx, target.Conn.Container, path, w)
}

func (r *DockerRunner) FetchArchive(ctx context.Context, target models.Target, path string, w io.Writer) (int64, error) {
	return r.cli.CopyArchiveFromContainer(ctx, target.Conn.Container, path, w)
}

func (r *DockerRunner) PushArchive(ctx context.Context, target models.Target, destDir string, content io.Reader) error {
	return r.cli.CopyArchiveToContainer(ctx, target.Conn.Container, destDir, content)
}

func (r *DockerRunner) Alive(ctx context.Context, target models.Target) error {
	running, err := r.cli.ContainerRunning(ctx, target.Conn.Container)
	if err != nil {
		return models.WrapFailure(models.ErrConnection, "target %s: %v", target.ID, err)
	}
	if !running {
		return models.WrapFailure(models.ErrConnection, "target %s: container %s is not running", target.ID, target.Conn.Container)
	}
	return nil
}

// LocalRunner runs store tooling directly on this host.
type LocalRunner struct{}

// NewLocalRunner creates a runner using local process execution.
func NewLocalRunner() *LocalRunner {
	return &LocalRunner{}
}

func (r *LocalRunner) Run(ctx context.Context, target models.Target, cmd []string, env []string, stdin io.Reader, stdout io.Writer) error {
	c := exec.CommandContext(ctx, cmd[0], cmd[1:]...)
	c.Env = append(os.Environ(), env...)
	c.Stdin = stdin
	c.Stdout = stdout
	var errBuf bytes.Buffer
	c.Stderr = &errBuf
	if err := c.Run(); err != nil {
		return fmt.Errorf("target %s: %s failed: %w: %s", target.ID, cmd[0], err, stderrExcerpt(errBuf.Bytes()))
	}
	return nil
}

func (r *LocalRunner) FetchFile(ctx context.Context, target models.Target, path string, w io.Writer) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("target %s: %w", target.ID, err)
	}
	defer f.Close()
	return io.Copy(w, f)
}

func (r *LocalRunner) FetchArchive(ctx context.Context, target models.Target, path string, w io.Writer) (int64, error) {
	tw := tar.NewWriter(w)
	var written int64
	err := filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(filepath.Dir(path), p)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()
		n, err := io.Copy(tw, f)
		written += n
		return err
	})
	if err != nil {
		return written, fmt.Errorf("target %s: archive %s: %w", target.ID, path, err)
	}
	return written, tw.Close()
}

func (r *LocalRunner) PushArchive(ctx context.Context, target models.Target, destDir string, content io.Reader) error {
	tr := tar.NewReader(content)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		dest := filepath.Join(destDir, filepath.Clean("/"+hdr.Name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			_, err = io.Copy(f, tr)
			f.Close()
			if err != nil {
				return err
			}
		}
	}
}

func (r *LocalRunner) Alive(ctx context.Context, target models.Target) error {
	addr := net.JoinHostPort(target.Conn.Host, strconv.Itoa(target.Conn.Port))
	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return models.WrapFailure(models.ErrConnection, "target %s: %s unreachable: %v", target.ID, addr, err)
	}
	conn.Close()
	return nil
}

// singleFileArchive wraps one open file in a tar stream, which is the form
// the Docker copy API requires.
func singleFileArchive(name string, f *os.File) (io.Reader, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: fi.Size()}); err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(tw, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(tw.Close())
	}()
	return pr, nil
}
