// Package wake implements the host-level wake primitive: named alarms whose
// due times are persisted so they still fire after the driving process is
// suspended or restarted, plus small checkpoint blobs for resumable state.
package wake

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a checkpoint key has no stored value.
var ErrNotFound = errors.New("wake: checkpoint not found")

// Alarm is a persisted named due time.
type Alarm struct {
	Name   string    `json:"name"`
	FireAt time.Time `json:"fire_at"`
}

// Store persists alarms and checkpoints.
//
// ClearAlarm reports whether the alarm existed; callers use it to claim an
// alarm so that only one trigger acts on a due time.
type Store interface {
	SetAlarm(ctx context.Context, name string, fireAt time.Time) error
	ClearAlarm(ctx context.Context, name string) (bool, error)
	DueAlarms(ctx context.Context, now time.Time) ([]Alarm, error)
	SaveCheckpoint(ctx context.Context, key string, data []byte) error
	LoadCheckpoint(ctx context.Context, key string) ([]byte, error)
	DeleteCheckpoint(ctx context.Context, key string) error
	Close() error
}
