// Package store persists noise readings and serves the range queries the
// aggregation engine runs over them.
//
// Two implementations share one contract: PostgresStore (PostGIS-backed,
// spatially indexed, production) and MemoryStore (grid-indexed, for local
// development and tests). Both validate coordinates on insert and refuse
// any reading whose location cannot become a spatial point.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quietmap/noisemap/internal/domain"
)

// ErrStopScan may be returned by a ScanFunc to end a scan early without
// surfacing an error to the caller.
var ErrStopScan = errors.New("stop scan")

// ScanFunc receives one reading per row during a streaming scan. Returning
// an error aborts the scan; ErrStopScan aborts it cleanly.
type ScanFunc func(domain.NoiseReading) error

// Bounds is a latitude/longitude bounding box for spatial range queries.
type Bounds struct {
	MinLat float64
	MaxLat float64
	MinLon float64
	MaxLon float64
}

// Contains reports whether the point lies inside the box (inclusive).
func (b Bounds) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// Store is the persistence contract for noise readings.
//
// Insert is atomic per reading: a row is either fully present with all
// fields set or absent. Scans operate on a consistent snapshot per call and
// never observe a partially written row.
type Store interface {
	// Insert validates, derives the spatial point, and persists the reading,
	// assigning an id when absent. Returns the id.
	Insert(ctx context.Context, r *domain.NoiseReading) (string, error)

	// Recent returns up to limit readings ordered by timestamp descending,
	// ties broken by insertion order. limit must be positive.
	Recent(ctx context.Context, limit int) ([]domain.NoiseReading, error)

	// ScanWindow streams readings with timestamp in [start, end) in
	// chronological order.
	ScanWindow(ctx context.Context, start, end time.Time, fn ScanFunc) error

	// Within streams readings inside the bounding box with timestamp in
	// [start, end), using the spatial index.
	Within(ctx context.Context, b Bounds, start, end time.Time, fn ScanFunc) error

	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// prepareInsert applies the shared insert-time invariants: validation, id
// assignment, created_at stamping, and UTC normalization.
func prepareInsert(r *domain.NoiseReading) error {
	if r == nil {
		return domain.NewValidationError("reading", "is nil")
	}
	if err := r.Validate(); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = domain.Now()
	}
	r.Timestamp = r.Timestamp.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	return nil
}

func validateLimit(limit int) error {
	if limit <= 0 {
		return domain.NewValidationError("limit", fmt.Sprintf("must be positive, got %d", limit))
	}
	return nil
}
