// Package gcs archives raw pages in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the bucket and an optional object prefix.
type Config struct {
	Bucket string
	Prefix string
}

type objectWriter interface {
	io.Writer
	Close() error
}

// BlobStore uploads objects to one bucket.
type BlobStore struct {
	bucket    string
	prefix    string
	newWriter func(ctx context.Context, object, contentType string) objectWriter
}

// New creates a BlobStore over client.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	return newBlobStore(cfg, func(ctx context.Context, object, contentType string) objectWriter {
		w := client.Bucket(cfg.Bucket).Object(object).NewWriter(ctx)
		w.ContentType = contentType
		return w
	})
}

func newBlobStore(
	cfg Config,
	newWriter func(ctx context.Context, object, contentType string) objectWriter,
) (*BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		bucket:    cfg.Bucket,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		newWriter: newWriter,
	}, nil
}

// PutObject uploads r and returns a gs:// URI. The object is only committed
// when the writer closes cleanly.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	path = strings.TrimLeft(strings.TrimSpace(path), "/")
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	object := path
	if s.prefix != "" {
		object = s.prefix + "/" + path
	}
	w := s.newWriter(ctx, object, contentType)
	if _, err := io.Copy(w, r); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, object), nil
}
