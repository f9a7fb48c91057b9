// Package sha256 names archived pages by content digest.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Hasher implements crawler.Hasher.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// HashReader digests a stream without buffering it.
func (h *Hasher) HashReader(r io.Reader) (string, error) {
	d := sha256.New()
	if _, err := io.Copy(d, r); err != nil {
		return "", fmt.Errorf("digest stream: %w", err)
	}
	return hex.EncodeToString(d.Sum(nil)), nil
}
