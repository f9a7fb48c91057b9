package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/JakeFAU/market-navigator/internal/crawler"
)

// Calendar projects timestamps onto trading dates.
type Calendar interface {
	TradingDate(now time.Time) string
	RetentionCutoff(now time.Time, days int) string
}

// SnapshotStore implements crawler.SnapshotStore.
type SnapshotStore struct {
	pool     Pool
	table    string
	calendar Calendar
}

// NewSnapshotStore builds a store over pool writing to table (default "snapshots").
func NewSnapshotStore(pool Pool, table string, calendar Calendar) (*SnapshotStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if calendar == nil {
		return nil, fmt.Errorf("calendar is required")
	}
	if table == "" {
		table = "snapshots"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &SnapshotStore{pool: pool, table: table, calendar: calendar}, nil
}

// Save validates and inserts a snapshot. Re-saving the same (id, captured_at)
// is a no-op.
func (s *SnapshotStore) Save(ctx context.Context, snap crawler.Snapshot) error {
	if err := crawler.ValidateSnapshot(snap); err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	captured_at,
	trading_date,
	name,
	price,
	change,
	change_percent,
	volume,
	source_url,
	blob_uri
) VALUES (
	$1,$2,$3::date,$4,$5::numeric,$6::numeric,$7::numeric,$8,$9,$10
)
ON CONFLICT (id, captured_at) DO NOTHING`, s.table)

	args := []any{
		snap.ID,
		snap.DateTime.UTC(),
		s.calendar.TradingDate(snap.DateTime),
		snap.Name,
		snap.Price.String(),
		snap.Change.String(),
		snap.ChangePercent.String(),
		snap.Volume,
		snap.SourceURL,
		snap.BlobURI,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// Query returns snapshots for id captured within [from, to), oldest first.
func (s *SnapshotStore) Query(ctx context.Context, id string, from, to time.Time) ([]crawler.Snapshot, error) {
	query := fmt.Sprintf(`
SELECT id, captured_at, name, price::text, change::text, change_percent::text, volume, source_url, blob_uri
FROM %s
WHERE id = $1 AND captured_at >= $2 AND captured_at < $3
ORDER BY captured_at`, s.table)

	rows, err := s.pool.Query(ctx, query, id, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []crawler.Snapshot
	for rows.Next() {
		var (
			snap                   crawler.Snapshot
			price, change, percent string
		)
		if err := rows.Scan(
			&snap.ID,
			&snap.DateTime,
			&snap.Name,
			&price,
			&change,
			&percent,
			&snap.Volume,
			&snap.SourceURL,
			&snap.BlobURI,
		); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		if snap.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse price %q: %w", price, err)
		}
		if snap.Change, err = decimal.NewFromString(change); err != nil {
			return nil, fmt.Errorf("parse change %q: %w", change, err)
		}
		if snap.ChangePercent, err = decimal.NewFromString(percent); err != nil {
			return nil, fmt.Errorf("parse change percent %q: %w", percent, err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}

// Prune removes rows whose trading date precedes the retention window.
func (s *SnapshotStore) Prune(ctx context.Context, now time.Time, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.calendar.RetentionCutoff(now, retentionDays)
	query := fmt.Sprintf(`DELETE FROM %s WHERE trading_date < $1::date`, s.table)
	tag, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return tag.RowsAffected(), nil
}
