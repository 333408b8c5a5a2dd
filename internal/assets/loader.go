package assets

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrAssetNotFound is returned when no loader knows the named asset
var ErrAssetNotFound = errors.New("asset not found")

// Loader returns the raw bytes of a named reference asset
type Loader interface {
	Load(ctx context.Context, name string) ([]byte, error)
}

// Versioner is implemented by loaders that can name the exact revision of an
// asset. Caches key entries by it, so a changed source is never served stale.
type Versioner interface {
	Version(ctx context.Context, name string) (string, error)
}

// DirLoader reads assets from a directory on disk
type DirLoader struct {
	Dir string
}

var (
	_ Loader    = DirLoader{}
	_ Versioner = DirLoader{}
)

func (d DirLoader) path(name string) (string, error) {
	if !fs.ValidPath(name) {
		return "", fmt.Errorf("invalid asset name %q", name)
	}
	return filepath.Join(d.Dir, filepath.FromSlash(name)), nil
}

// Load reads Dir/name. Names may not escape Dir.
func (d DirLoader) Load(ctx context.Context, name string) ([]byte, error) {
	path, err := d.path(name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s in %s", ErrAssetNotFound, name, d.Dir)
		}
		return nil, fmt.Errorf("failed to read asset %s: %w", name, err)
	}
	return data, nil
}

// Version identifies the file by absolute path, size and modification time
func (d DirLoader) Version(ctx context.Context, name string) (string, error) {
	path, err := d.path(name)
	if err != nil {
		return "", err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve asset %s: %w", name, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s in %s", ErrAssetNotFound, name, d.Dir)
		}
		return "", fmt.Errorf("failed to stat asset %s: %w", name, err)
	}

	return fmt.Sprintf("%s:%d:%d", abs, info.Size(), info.ModTime().UnixNano()), nil
}

// Base64 loads an asset and returns it base64 encoded, the form protocol payloads use
func Base64(ctx context.Context, l Loader, name string) (string, error) {
	data, err := l.Load(ctx, name)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DataURL loads an image asset and wraps it in a data: URL suitable for navigation
func DataURL(ctx context.Context, l Loader, name string) (string, error) {
	encoded, err := Base64(ctx, l, name)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("data:%s;base64,%s", mimeType(name), encoded), nil
}

func mimeType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".html", ".htm":
		return "text/html"
	default:
		return "image/png"
	}
}
