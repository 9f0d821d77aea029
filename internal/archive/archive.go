// Package archive uncompresses downloaded data files in place, used by
// the dumper's post step.
package archive

import (
	"archive/tar"
	"archive/zip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/bioforge/datahub/internal/logfields"
)

// UncompressAll walks folder and expands every recognized archive member
// next to itself. The archive files themselves are kept so freshness
// checks against the remote keep working. Returns the number of archives
// expanded.
func UncompressAll(folder string) (int, error) {
	count := 0
	err := filepath.Walk(folder, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		ok, err := Uncompress(path)
		if err != nil {
			return fmt.Errorf("uncompress %s: %w", path, err)
		}
		if ok {
			count++
		}
		return nil
	})
	return count, err
}

// Uncompress expands one file when its extension is a recognized archive
// format. It reports whether the file was an archive.
func Uncompress(path string) (bool, error) {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return true, untar(path, gzipReader)
	case strings.HasSuffix(lower, ".tar.zst"):
		return true, untar(path, zstdReader)
	case strings.HasSuffix(lower, ".tar"):
		return true, untar(path, func(r io.Reader) (io.ReadCloser, error) { return io.NopCloser(r), nil })
	case strings.HasSuffix(lower, ".zip"):
		return true, unzip(path)
	case strings.HasSuffix(lower, ".gz"):
		return true, expandSingle(path, strings.TrimSuffix(path, filepath.Ext(path)), gzipReader)
	case strings.HasSuffix(lower, ".zst"):
		return true, expandSingle(path, strings.TrimSuffix(path, filepath.Ext(path)), zstdReader)
	}
	return false, nil
}

func gzipReader(r io.Reader) (io.ReadCloser, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	return gz, nil
}

func zstdReader(r io.Reader) (io.ReadCloser, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return zr.IOReadCloser(), nil
}

func expandSingle(src, dst string, open func(io.Reader) (io.ReadCloser, error)) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	dec, err := open(in)
	if err != nil {
		return err
	}
	defer dec.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, dec); err != nil {
		return err
	}
	slog.Debug("Uncompressed file", logfields.Path(src))
	return nil
}

// sanitizeMember rejects absolute and parent-escaping archive members.
func sanitizeMember(base, name string) (string, error) {
	target := filepath.Join(base, filepath.Clean("/"+name))
	if !strings.HasPrefix(target, filepath.Clean(base)+string(os.PathSeparator)) && target != filepath.Clean(base) {
		return "", fmt.Errorf("archive member escapes destination: %s", name)
	}
	return target, nil
}

func untar(path string, open func(io.Reader) (io.ReadCloser, error)) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()
	dec, err := open(in)
	if err != nil {
		return err
	}
	defer dec.Close()

	base := filepath.Dir(path)
	tr := tar.NewReader(dec)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target, err := sanitizeMember(base, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.Create(target)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				_ = out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		}
	}
}

func unzip(path string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	defer zr.Close()

	base := filepath.Dir(path)
	for _, f := range zr.File {
		target, err := sanitizeMember(base, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		in, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.Create(target)
		if err != nil {
			_ = in.Close()
			return err
		}
		_, err = io.Copy(out, in)
		_ = in.Close()
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}
