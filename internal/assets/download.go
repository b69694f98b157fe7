// Package assets fetches remote experiment files (tokenizer, pretrained
// checkpoints, included hyperparameter files) into local directories.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Client is used for remote fetches. Tests swap it for an httptest client.
var Client = http.DefaultClient

// IsRemote reports whether ref is an http(s) URL.
func IsRemote(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// FileName derives the local file name from the last element of the URL path.
func FileName(ref string) (string, error) {
	p := ref
	if u, err := url.Parse(ref); err == nil && u.Scheme != "" {
		p = u.Path
	}
	name := path.Base(filepath.ToSlash(p))
	if name == "" || name == "." || name == "/" {
		return "", fmt.Errorf("cannot derive file name from %q", ref)
	}
	return name, nil
}

// DownloadToDir places ref inside dir, named after the URL path, and returns
// the local path. The directory is created when missing and an existing file
// is reused.
func DownloadToDir(ctx context.Context, ref, dir string) (string, error) {
	name, err := FileName(ref)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(dir, name)
	if err := DownloadFile(ctx, ref, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// DownloadFile fetches ref to dest unless dest already exists. Local paths and
// file:// URLs are copied.
func DownloadFile(ctx context.Context, ref, dest string) error {
	if _, err := os.Stat(dest); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	var body io.ReadCloser
	switch {
	case IsRemote(ref):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
		if err != nil {
			return err
		}
		resp, err := Client.Do(req)
		if err != nil {
			return fmt.Errorf("download %s: %w", ref, err)
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return fmt.Errorf("download %s: %s", ref, resp.Status)
		}
		body = resp.Body
	default:
		f, err := os.Open(strings.TrimPrefix(ref, "file://"))
		if err != nil {
			return fmt.Errorf("fetch %s: %w", ref, err)
		}
		body = f
	}
	defer func() { _ = body.Close() }()

	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, body); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("fetch %s: %w", ref, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dest)
}

// Present reports whether the file for ref already sits in dir.
func Present(ref, dir string) bool {
	name, err := FileName(ref)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(dir, name))
	return err == nil
}
