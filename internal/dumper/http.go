package dumper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// HTTPClient dumps over HTTP(S). Freshness is judged by the Last-Modified
// header against the local file's mtime; servers that omit the header are
// treated as always newer.
type HTTPClient struct {
	hc *retryablehttp.Client
	// ReleaseFunc overrides release derivation; the default is the
	// Last-Modified date of the first URL, falling back to today.
	ReleaseFunc func(ctx context.Context) (string, error)
	// FirstURL is probed for Last-Modified when deriving the release.
	FirstURL string
	// Headers are added to every request (auth tokens, accept types).
	Headers map[string]string
}

// NewHTTPClient builds a retrying HTTP client with the given overall
// request timeout.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	hc := retryablehttp.NewClient()
	hc.RetryMax = 3
	hc.Logger = nil
	hc.HTTPClient.Timeout = timeout
	return &HTTPClient{hc: hc}
}

func (c *HTTPClient) newRequest(ctx context.Context, method, url string) (*retryablehttp.Request, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func (c *HTTPClient) lastModified(ctx context.Context, url string) (time.Time, bool, error) {
	req, err := c.newRequest(ctx, http.MethodHead, url)
	if err != nil {
		return time.Time{}, false, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return time.Time{}, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return time.Time{}, false, fmt.Errorf("HEAD %s: unexpected status %d", url, resp.StatusCode)
	}
	lm := resp.Header.Get("Last-Modified")
	if lm == "" {
		return time.Time{}, false, nil
	}
	t, err := http.ParseTime(lm)
	if err != nil {
		return time.Time{}, false, nil
	}
	return t, true, nil
}

// Release returns the remote Last-Modified date (YYYY-MM-DD) of FirstURL,
// or today's date when the server does not expose one.
func (c *HTTPClient) Release(ctx context.Context) (string, error) {
	if c.ReleaseFunc != nil {
		return c.ReleaseFunc(ctx)
	}
	if c.FirstURL != "" {
		if t, ok, err := c.lastModified(ctx, c.FirstURL); err == nil && ok {
			return t.UTC().Format("2006-01-02"), nil
		}
	}
	return time.Now().UTC().Format("2006-01-02"), nil
}

// RemoteIsBetter compares Last-Modified with the local mtime.
func (c *HTTPClient) RemoteIsBetter(ctx context.Context, remote, local string) (bool, error) {
	info, err := os.Stat(local)
	if err != nil {
		return true, nil // no local copy
	}
	remoteTime, ok, err := c.lastModified(ctx, remote)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil // cannot compare, assume newer
	}
	return remoteTime.After(info.ModTime()), nil
}

// Download streams the remote body to local and stamps the file with the
// remote Last-Modified time when present.
func (c *HTTPClient) Download(ctx context.Context, remote, local string) error {
	req, err := c.newRequest(ctx, http.MethodGet, remote)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("GET %s: unexpected status %d", remote, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	out, err := os.Create(local)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			_ = os.Chtimes(local, t, t)
		}
	}
	return nil
}
