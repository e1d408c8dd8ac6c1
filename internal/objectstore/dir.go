package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DirStore reads payloads from files below Root.
type DirStore struct {
	Root string
}

// Get reads Root/key. Keys may not escape Root.
func (d DirStore) Get(_ context.Context, key string) ([]byte, error) {
	if d.Root == "" {
		return nil, errors.New("dir store root not configured")
	}
	rel := filepath.Clean(filepath.FromSlash(strings.TrimLeft(key, "/")))
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("invalid key %q", key)
	}
	data, err := os.ReadFile(filepath.Join(d.Root, rel))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return data, err
}
