// Package uuid generates surface handles and cycle identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUID v7 strings, optionally prefixed.
type Generator struct {
	prefix string
}

// New creates a Generator with no prefix.
func New() *Generator {
	return &Generator{}
}

// WithPrefix creates a Generator whose ids read "<prefix>-<uuid>".
func WithPrefix(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// NewID returns a new identifier.
func (g *Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	if g == nil || g.prefix == "" {
		return id.String(), nil
	}
	return g.prefix + "-" + id.String(), nil
}
