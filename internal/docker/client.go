package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Client wraps the official Docker client to provide specific functionalities.
type Client struct {
	cli *client.Client
}

// New creates a new Docker client wrapper.
func New() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &Client{cli: cli}, nil
}

// ContainerRunning reports whether the named container exists and is running.
func (c *Client) ContainerRunning(ctx context.Context, name string) (bool, error) {
	info, err := c.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return info.State != nil && info.State.Running, nil
}

// ExecInContainer runs a command inside a container, streaming stdout into
// the given writer, and returns captured stderr and the exit code once the
// command has finished. stdin may be nil.
func (c *Client) ExecInContainer(ctx context.Context, containerName string, cmd []string, env []string, stdin io.Reader, stdout io.Writer) (stderr []byte, exitCode int, err error) {
	execResp, err := c.cli.ContainerExecCreate(ctx, containerName, container.ExecOptions{
		Cmd:          cmd,
		Env:          env,
		AttachStdin:  stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, -1, fmt.Errorf("exec create in %s: %w", containerName, err)
	}

	attach, err := c.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, -1, fmt.Errorf("exec attach in %s: %w", containerName, err)
	}
	defer attach.Close()

	if stdin != nil {
		go func() {
			io.Copy(attach.Conn, stdin)
			attach.CloseWrite()
		}()
	}

	var errBuf bytes.Buffer
	done := make(chan error, 1)
	go func() {
		// The attached stream multiplexes stdout/stderr.
		_, cpErr := stdcopy.StdCopy(stdout, &errBuf, attach.Reader)
		done <- cpErr
	}()

	select {
	case cpErr := <-done:
		if cpErr != nil {
			return nil, -1, fmt.Errorf("exec read from %s: %w", containerName, cpErr)
		}
	case <-ctx.Done():
		return nil, -1, ctx.Err()
	}

	inspect, err := c.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return errBuf.Bytes(), -1, fmt.Errorf("exec inspect in %s: %w", containerName, err)
	}
	return errBuf.Bytes(), inspect.ExitCode, nil
}

// CopyFileFromContainer streams a single file out of a container into w.
// The Docker API wraps the file in a tar stream; the first regular entry is
// the file itself.
func (c *Client) CopyFileFromContainer(ctx context.Context, containerName, srcPath string, w io.Writer) (int64, error) {
	reader, _, err := c.cli.CopyFromContainer(ctx, containerName, srcPath)
	if err != nil {
		return 0, fmt.Errorf("copy %s from %s: %w", srcPath, containerName, err)
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return 0, fmt.Errorf("no file in copy stream for %s:%s", containerName, srcPath)
		}
		if err != nil {
			return 0, err
		}
		if hdr.Typeflag == tar.TypeReg {
			return io.Copy(w, tr)
		}
	}
}

// CopyArchiveFromContainer streams a path out of a container as a raw tar
// archive, exactly as the Docker API delivers it.
func (c *Client) CopyArchiveFromContainer(ctx context.Context, containerName, srcPath string, w io.Writer) (int64, error) {
	reader, _, err := c.cli.CopyFromContainer(ctx, containerName, srcPath)
	if err != nil {
		return 0, fmt.Errorf("copy %s from %s: %w", srcPath, containerName, err)
	}
	defer reader.Close()
	return io.Copy(w, reader)
}

// CopyArchiveToContainer extracts a tar stream into destDir inside the
// container.
func (c *Client) CopyArchiveToContainer(ctx context.Context, containerName, destDir string, content io.Reader) error {
	if err := c.cli.CopyToContainer(ctx, containerName, destDir, content, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copy archive to %s:%s: %w", containerName, destDir, err)
	}
	return nil
}
