package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/quietmap/noisemap/internal/domain"
)

// cellKey is a 4-decimal grid cell, the in-memory stand-in for a spatial
// index: bounding-box queries touch only the cells the box overlaps instead
// of scanning every row.
type cellKey struct {
	lat float64
	lon float64
}

// MemoryStore is a concurrency-safe in-memory Store used for local
// development (STORE_BACKEND=memory) and in unit tests.
type MemoryStore struct {
	mu       sync.RWMutex
	readings []domain.NoiseReading // insertion order
	cells    map[cellKey][]int     // grid cell -> indices into readings
	closed   bool
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{cells: make(map[cellKey][]int)}
}

func (s *MemoryStore) Insert(_ context.Context, r *domain.NoiseReading) (string, error) {
	if err := prepareInsert(r); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", &domain.StorageError{Op: "insert", Err: errors.New("store is closed")}
	}

	idx := len(s.readings)
	s.readings = append(s.readings, *r)
	key := cellKey{lat: domain.RoundCoord(r.Lat), lon: domain.RoundCoord(r.Lon)}
	s.cells[key] = append(s.cells[key], idx)
	return r.ID, nil
}

func (s *MemoryStore) Recent(_ context.Context, limit int) ([]domain.NoiseReading, error) {
	if err := validateLimit(limit); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]domain.NoiseReading, len(s.readings))
	copy(out, s.readings)
	s.mu.RUnlock()

	// Stable sort preserves insertion order for equal timestamps.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ScanWindow(ctx context.Context, start, end time.Time, fn ScanFunc) error {
	return s.scan(ctx, start, end, nil, fn)
}

func (s *MemoryStore) Within(ctx context.Context, b Bounds, start, end time.Time, fn ScanFunc) error {
	return s.scan(ctx, start, end, &b, fn)
}

// scan snapshots matching readings under the read lock, then streams the
// snapshot so callbacks never run while the lock is held.
func (s *MemoryStore) scan(ctx context.Context, start, end time.Time, b *Bounds, fn ScanFunc) error {
	s.mu.RLock()
	var snapshot []domain.NoiseReading
	if b != nil {
		for _, idx := range s.cellIndices(*b) {
			r := s.readings[idx]
			if b.Contains(r.Lat, r.Lon) && inWindow(r.Timestamp, start, end) {
				snapshot = append(snapshot, r)
			}
		}
	} else {
		for _, r := range s.readings {
			if inWindow(r.Timestamp, start, end) {
				snapshot = append(snapshot, r)
			}
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(snapshot, func(i, j int) bool {
		return snapshot[i].Timestamp.Before(snapshot[j].Timestamp)
	})

	for _, r := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			if errors.Is(err, ErrStopScan) {
				return nil
			}
			return err
		}
	}
	return nil
}

// cellIndices collects reading indices from every grid cell the box can
// overlap. Cell keys are rounded coordinates, so the box is widened by half
// a cell before matching.
func (s *MemoryStore) cellIndices(b Bounds) []int {
	const halfCell = 0.00005
	var out []int
	for key, indices := range s.cells {
		if key.lat >= b.MinLat-halfCell && key.lat <= b.MaxLat+halfCell &&
			key.lon >= b.MinLon-halfCell && key.lon <= b.MaxLon+halfCell {
			out = append(out, indices...)
		}
	}
	sort.Ints(out)
	return out
}

func inWindow(t, start, end time.Time) bool {
	return !t.Before(start) && t.Before(end)
}

// Len returns the number of stored readings.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.readings)
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
