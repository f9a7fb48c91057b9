// Package local archives raw pages under a directory on disk.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the archive root.
type Config struct {
	BaseDir string `mapstructure:"base_dir"`
}

// BlobStore writes each object to BaseDir/<path>, replacing it atomically.
type BlobStore struct {
	root string
}

// New prepares BaseDir, creating it when missing.
func New(cfg Config) (*BlobStore, error) {
	root := strings.TrimSpace(cfg.BaseDir)
	if root == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat base directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("base directory %q is not a directory", root)
	}
	return &BlobStore{root: root}, nil
}

// PutObject streams r into the archive and returns a file:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	full := filepath.Join(s.root, filepath.FromSlash(path))
	if !strings.HasPrefix(full, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the archive root", path)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".put-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("rename object: %w", err)
	}
	return "file://" + filepath.ToSlash(full), nil
}
