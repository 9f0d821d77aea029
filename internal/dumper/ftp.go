package dumper

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
)

// FTPClient dumps over FTP. Freshness compares the remote MDTM timestamp
// and SIZE against the local file. A new connection is dialed per call;
// FTP servers routinely drop idle control connections.
type FTPClient struct {
	Host    string // host:port, port 21 assumed when missing
	User    string // empty means anonymous
	Pass    string
	Timeout time.Duration
	// ReleaseFunc overrides release derivation; the default is the MDTM
	// date of FirstPath.
	ReleaseFunc func(ctx context.Context) (string, error)
	FirstPath   string
}

func (c *FTPClient) dial(ctx context.Context) (*ftp.ServerConn, error) {
	host := c.Host
	if !strings.Contains(host, ":") {
		host += ":21"
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	conn, err := ftp.Dial(host, ftp.DialWithContext(ctx), ftp.DialWithTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("ftp dial %s: %w", host, err)
	}
	user, pass := c.User, c.Pass
	if user == "" {
		user, pass = "anonymous", "anonymous@"
	}
	if err := conn.Login(user, pass); err != nil {
		_ = conn.Quit()
		return nil, fmt.Errorf("ftp login %s: %w", host, err)
	}
	return conn, nil
}

// remotePath strips an ftp:// URL down to the server path.
func remotePath(remote string) string {
	if u, err := url.Parse(remote); err == nil && u.Scheme != "" {
		return u.Path
	}
	return remote
}

// Release returns the MDTM date (YYYY-MM-DD) of FirstPath.
func (c *FTPClient) Release(ctx context.Context) (string, error) {
	if c.ReleaseFunc != nil {
		return c.ReleaseFunc(ctx)
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Quit()
	t, err := conn.GetTime(remotePath(c.FirstPath))
	if err != nil {
		return "", fmt.Errorf("ftp MDTM %s: %w", c.FirstPath, err)
	}
	return t.UTC().Format("2006-01-02"), nil
}

// RemoteIsBetter compares MDTM and SIZE against the local file.
func (c *FTPClient) RemoteIsBetter(ctx context.Context, remote, local string) (bool, error) {
	info, err := os.Stat(local)
	if err != nil {
		return true, nil
	}
	conn, err := c.dial(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Quit()

	path := remotePath(remote)
	mtime, err := conn.GetTime(path)
	if err == nil && mtime.After(info.ModTime()) {
		return true, nil
	}
	size, err := conn.FileSize(path)
	if err == nil && size != info.Size() {
		return true, nil
	}
	return false, nil
}

// Download retrieves one remote file and stamps the local mtime with the
// remote MDTM when available.
func (c *FTPClient) Download(ctx context.Context, remote, local string) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Quit()

	path := remotePath(remote)
	resp, err := conn.Retr(path)
	if err != nil {
		return fmt.Errorf("ftp RETR %s: %w", path, err)
	}
	defer resp.Close()

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	out, err := os.Create(local)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if mtime, err := conn.GetTime(path); err == nil {
		_ = os.Chtimes(local, mtime, mtime)
	}
	return nil
}
