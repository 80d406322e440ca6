package installer

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/addonpkg/addonpkg/pkg/addon"
	"github.com/addonpkg/addonpkg/pkg/telemetry"
)

// progressEvery is how many bytes pass between download progress events.
const progressEvery = 256 << 10

// fetch makes the release's archive available at a local path. Remote
// archives are downloaded into dir; file:// URLs are used in place. isDir
// is set when the URL names an unpacked add-on folder.
func (inst *Installer) fetch(ctx context.Context, rel *addon.Release, dir string) (p string, isDir bool, err error) {
	u, err := url.Parse(rel.DownloadURL)
	if err != nil || rel.DownloadURL == "" {
		return "", false, fmt.Errorf("invalid download url %q", rel.DownloadURL)
	}

	switch u.Scheme {
	case "file":
		local := filepath.FromSlash(u.Path)
		fi, err := os.Stat(local)
		if err != nil {
			return "", false, fmt.Errorf("%w: %s", addon.ErrNotFound, local)
		}
		return local, fi.IsDir(), nil
	case "http", "https":
		dest := filepath.Join(dir, "archive.zip")
		n, err := inst.download(ctx, rel, dest)
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		inst.metrics.ObserveDownload(string(rel.Source), outcome, n)
		return dest, false, err
	default:
		return "", false, fmt.Errorf("unsupported download scheme %q", u.Scheme)
	}
}

func (inst *Installer) download(ctx context.Context, rel *addon.Release, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rel.DownloadURL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", inst.userAgent)

	resp, err := inst.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("%w: downloading %s: %v", addon.ErrSourceError, rel.DownloadURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, fmt.Errorf("%w: %s", addon.ErrNotFound, rel.DownloadURL)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return 0, fmt.Errorf("%w: downloading %s: %s", addon.ErrSourceError, rel.DownloadURL, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return 0, fmt.Errorf("downloading %s: %s", rel.DownloadURL, resp.Status)
	}

	f, err := os.Create(dest)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	pr := &progressReader{
		r:     resp.Body,
		total: resp.ContentLength,
		emit: func(read, total int64) {
			telemetry.Emit(ctx, inst.events, telemetry.Event{
				Type:  telemetry.EventDownloadProgress,
				Key:   rel.Key(),
				Bytes: read,
				Total: total,
			})
		},
	}
	n, err := io.Copy(f, pr)
	if err != nil {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		return n, fmt.Errorf("%w: downloading %s: %v", addon.ErrSourceError, rel.DownloadURL, err)
	}
	pr.emit(n, resp.ContentLength)
	return n, f.Close()
}

type progressReader struct {
	r     io.Reader
	total int64
	read  int64
	last  int64
	emit  func(read, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.read-p.last >= progressEvery {
		p.last = p.read
		p.emit(p.read, p.total)
	}
	return n, err
}

// verifyChecksum checks the file at p against "<algo>:<hex>". An empty
// checksum is not checked.
func verifyChecksum(p, checksum string) error {
	if checksum == "" {
		return nil
	}
	algo, want, ok := strings.Cut(checksum, ":")
	if !ok {
		return fmt.Errorf("malformed checksum %q", checksum)
	}

	var h hash.Hash
	switch strings.ToLower(algo) {
	case "sha1":
		h = sha1.New()
	case "md5":
		h = md5.New()
	case "sha256":
		h = sha256.New()
	default:
		return fmt.Errorf("unsupported checksum algorithm %q", algo)
	}

	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}

	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("%w: want %s:%s, got %s:%s", addon.ErrChecksumMismatch, algo, want, algo, got)
	}
	return nil
}

var errUnsafePath = errors.New("unsafe path in archive")

// ignoredEntry reports whether an archive entry is packaging noise.
func ignoredEntry(name string) bool {
	first, _, _ := strings.Cut(name, "/")
	return first == "__MACOSX" || path.Base(name) == ".DS_Store"
}

// extractZip unpacks archive into dest. Entries that would land outside
// dest are refused.
func extractZip(archive, dest string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		name := strings.ReplaceAll(f.Name, `\`, "/")
		if ignoredEntry(name) {
			continue
		}
		clean := path.Clean(name)
		if path.IsAbs(name) || !filepath.IsLocal(filepath.FromSlash(clean)) {
			return fmt.Errorf("%w: %q", errUnsafePath, f.Name)
		}

		target := filepath.Join(dest, filepath.FromSlash(clean))
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return fmt.Errorf("extracting %s: %w", f.Name, err)
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// copyDir copies the tree at src to dst.
func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(p, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// move renames src to dst, copying across filesystems when a rename is
// not possible.
func move(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	fi, err := os.Stat(src)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		err = copyDir(src, dst)
	} else {
		err = copyFile(src, dst)
	}
	if err != nil {
		_ = os.RemoveAll(dst)
		return err
	}
	return os.RemoveAll(src)
}

// topLevel lists the entries directly under dir, sorted.
func topLevel(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}
