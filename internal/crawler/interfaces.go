package crawler

import (
	"context"
	"io"
	"time"
)

// Surface is a single navigable browser tab (or an equivalent static
// fetcher). Handles are opaque to callers.
type Surface interface {
	Open(ctx context.Context) (string, error)
	Navigate(ctx context.Context, handle string, url string) error
	Location(ctx context.Context, handle string) (string, error)
	Ready(ctx context.Context, handle string) (bool, error)
	HTML(ctx context.Context, handle string) (string, error)
	Close(handle string) error
}

// Extractor turns a rendered page into a snapshot. A nil snapshot with a nil
// error means the page was incomplete.
type Extractor interface {
	Extract(ctx context.Context, page Page) (*Snapshot, error)
}

// SnapshotQuerier finds snapshots for one id captured within [from, to).
type SnapshotQuerier interface {
	Query(ctx context.Context, id string, from, to time.Time) ([]Snapshot, error)
}

// SnapshotStore persists accepted snapshots.
type SnapshotStore interface {
	SnapshotQuerier
	Save(ctx context.Context, snapshot Snapshot) error
	Prune(ctx context.Context, now time.Time, retentionDays int) (int64, error)
}

// AnalysisEngine ranks the accumulated snapshots.
type AnalysisEngine interface {
	Run(ctx context.Context, snapshots []Snapshot, now time.Time) (RankedResult, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces opaque identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
