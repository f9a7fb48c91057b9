// Package memory keeps snapshots, cycle runs and archived pages in process
// memory. It backs tests and single-node deployments without Postgres.
package memory

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// BlobStore keeps archived pages keyed by path.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]blob
}

type blob struct {
	contentType string
	data        []byte
}

// NewBlobStore creates an empty BlobStore.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]blob)}
}

// PutObject stores the content under path and returns a memory:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read object: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = blob{contentType: contentType, data: data}
	return "memory://" + path, nil
}

// Object returns a stored object and its content type.
func (s *BlobStore) Object(path string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.objects[path]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), b.data...), b.contentType, true
}

// Len reports how many objects are stored.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
