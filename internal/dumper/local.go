package dumper

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// LocalClient dumps files already present on the filesystem (mounted
// volumes, operator-provided drops). Freshness compares source mtimes.
type LocalClient struct {
	// ReleaseFunc overrides release derivation; the default is the mtime
	// date of FirstPath.
	ReleaseFunc func(ctx context.Context) (string, error)
	FirstPath   string
}

// Release returns the mtime date (YYYY-MM-DD) of FirstPath.
func (c *LocalClient) Release(ctx context.Context) (string, error) {
	if c.ReleaseFunc != nil {
		return c.ReleaseFunc(ctx)
	}
	info, err := os.Stat(c.FirstPath)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", c.FirstPath, err)
	}
	return info.ModTime().UTC().Format("2006-01-02"), nil
}

// RemoteIsBetter compares the source mtime with the local copy's.
func (c *LocalClient) RemoteIsBetter(ctx context.Context, remote, local string) (bool, error) {
	src, err := os.Stat(remote)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", remote, err)
	}
	dst, err := os.Stat(local)
	if err != nil {
		return true, nil
	}
	return src.ModTime().After(dst.ModTime()) || src.Size() != dst.Size(), nil
}

// Download copies the source file, preserving its mtime.
func (c *LocalClient) Download(ctx context.Context, remote, local string) error {
	in, err := os.Open(remote)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	out, err := os.Create(local)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if info, err := os.Stat(remote); err == nil {
		_ = os.Chtimes(local, info.ModTime(), info.ModTime())
	}
	return nil
}

// DockerClient extracts files from a container image by creating a
// throwaway container and copying paths out with the docker CLI.
type DockerClient struct {
	Image string
	// Tag pins the image tag; the release is derived from it, falling
	// back to the image digest date.
	Tag string
}

func (c *DockerClient) ref() string {
	if c.Tag != "" {
		return c.Image + ":" + c.Tag
	}
	return c.Image
}

// Release is the pinned tag, or today's date for floating tags.
func (c *DockerClient) Release(ctx context.Context) (string, error) {
	if c.Tag != "" && c.Tag != "latest" {
		return c.Tag, nil
	}
	return time.Now().UTC().Format("2006-01-02"), nil
}

// RemoteIsBetter is true unless the local file already exists and the tag
// is pinned; image contents are not inspectable without pulling.
func (c *DockerClient) RemoteIsBetter(ctx context.Context, remote, local string) (bool, error) {
	if c.Tag == "" || c.Tag == "latest" {
		return true, nil
	}
	_, err := os.Stat(local)
	return err != nil, nil
}

// Download pulls the image, creates a container, and docker-cp's the
// remote path out of it.
func (c *DockerClient) Download(ctx context.Context, remote, local string) error {
	if out, err := exec.CommandContext(ctx, "docker", "pull", c.ref()).CombinedOutput(); err != nil {
		return fmt.Errorf("docker pull %s: %w: %s", c.ref(), err, strings.TrimSpace(string(out)))
	}
	idOut, err := exec.CommandContext(ctx, "docker", "create", c.ref()).Output()
	if err != nil {
		return fmt.Errorf("docker create %s: %w", c.ref(), err)
	}
	id := strings.TrimSpace(string(idOut))
	defer func() {
		_ = exec.Command("docker", "rm", "-f", id).Run()
	}()

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	if out, err := exec.CommandContext(ctx, "docker", "cp", id+":"+remote, local).CombinedOutput(); err != nil {
		return fmt.Errorf("docker cp %s: %w: %s", remote, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// DumbClient always considers the remote newer. Wrap another client when
// the origin exposes no usable freshness signal.
type DumbClient struct {
	Inner Client
}

func (c *DumbClient) Release(ctx context.Context) (string, error) {
	return c.Inner.Release(ctx)
}

func (c *DumbClient) RemoteIsBetter(ctx context.Context, remote, local string) (bool, error) {
	return true, nil
}

func (c *DumbClient) Download(ctx context.Context, remote, local string) error {
	return c.Inner.Download(ctx, remote, local)
}
