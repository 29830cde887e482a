// Package aggregate computes spatial and temporal aggregates over stored
// noise readings.
//
// Both operations are read-only and side-effect free: each call runs one
// streaming scan over a consistent store snapshot, so results never include
// a partially written row and an abandoned call leaves nothing to clean up.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/quietmap/noisemap/internal/domain"
	"github.com/quietmap/noisemap/internal/observability"
	"github.com/quietmap/noisemap/internal/store"
)

// Scanner is the read-side store surface the engine depends on.
type Scanner interface {
	ScanWindow(ctx context.Context, start, end time.Time, fn store.ScanFunc) error
	Within(ctx context.Context, b store.Bounds, start, end time.Time, fn store.ScanFunc) error
}

// Bin is one heatmap cell: coordinates rounded to 4 decimals, the mean
// db_level of its readings, and the sample count. Empty cells are never
// emitted.
type Bin struct {
	Lat   float64 `json:"lat_r"`
	Lon   float64 `json:"lon_r"`
	AvgDB float64 `json:"avg_db"`
	Count int64   `json:"n"`
}

// Bucket is one time-series point: the bucket's start instant, the mean
// db_level inside it, and the sample count. Empty buckets are never emitted.
type Bucket struct {
	Start time.Time `json:"bucket_start"`
	AvgDB float64   `json:"avg_db"`
	Count int64     `json:"n"`
}

// Engine serves aggregate queries over a reading store.
type Engine struct {
	store   Scanner
	logger  *slog.Logger
	metrics *observability.Metrics
}

// New creates an Engine.
func New(s Scanner, logger *slog.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{store: s, logger: logger, metrics: metrics}
}

type cell struct {
	lat float64
	lon float64
}

type accumulator struct {
	sum   float64
	count int64
}

// Heatmap bins readings from the last window into 4-decimal coordinate
// cells. bounds, when non-nil, restricts the scan to a bounding box via the
// store's spatial index. A zero window yields an empty result, not an error.
func (e *Engine) Heatmap(ctx context.Context, window time.Duration, bounds *store.Bounds) ([]Bin, error) {
	if window < 0 {
		return nil, domain.NewValidationError("window", fmt.Sprintf("must be non-negative, got %s", window))
	}
	if window == 0 {
		return []Bin{}, nil
	}

	started := time.Now()
	end := domain.Now()
	start := end.Add(-window)

	cells := make(map[cell]*accumulator)
	var scanned int64
	collect := func(r domain.NoiseReading) error {
		scanned++
		key := cell{lat: domain.RoundCoord(r.Lat), lon: domain.RoundCoord(r.Lon)}
		acc, ok := cells[key]
		if !ok {
			acc = &accumulator{}
			cells[key] = acc
		}
		acc.sum += r.DBLevel
		acc.count++
		return nil
	}

	var err error
	if bounds != nil {
		err = e.store.Within(ctx, *bounds, start, end, collect)
	} else {
		err = e.store.ScanWindow(ctx, start, end, collect)
	}
	if err != nil {
		return nil, err
	}

	bins := make([]Bin, 0, len(cells))
	for key, acc := range cells {
		bins = append(bins, Bin{
			Lat:   key.lat,
			Lon:   key.lon,
			AvgDB: acc.sum / float64(acc.count),
			Count: acc.count,
		})
	}
	sort.Slice(bins, func(i, j int) bool {
		if bins[i].Lat != bins[j].Lat {
			return bins[i].Lat < bins[j].Lat
		}
		return bins[i].Lon < bins[j].Lon
	})

	e.metrics.AggregationDuration.WithLabelValues("heatmap").Observe(time.Since(started).Seconds())
	e.metrics.AggregationRows.WithLabelValues("heatmap").Observe(float64(scanned))
	return bins, nil
}

// TimeSeries partitions readings in [from, to) into contiguous buckets of
// the given width, aligned to the Unix epoch so repeated calls with the
// same width produce identical boundaries. A zero from scans from the
// epoch; a zero to scans up to now. Only non-empty buckets are returned,
// in chronological order.
func (e *Engine) TimeSeries(ctx context.Context, width time.Duration, from, to time.Time) ([]Bucket, error) {
	if width <= 0 {
		return nil, domain.NewValidationError("bucket_width", fmt.Sprintf("must be positive, got %s", width))
	}
	if from.IsZero() {
		from = time.Unix(0, 0).UTC()
	}
	if to.IsZero() {
		to = domain.Now()
	}
	if !to.After(from) {
		return []Bucket{}, nil
	}

	started := time.Now()
	buckets := make(map[int64]*accumulator)
	var scanned int64
	err := e.store.ScanWindow(ctx, from, to, func(r domain.NoiseReading) error {
		scanned++
		key := bucketStart(r.Timestamp, width)
		acc, ok := buckets[key]
		if !ok {
			acc = &accumulator{}
			buckets[key] = acc
		}
		acc.sum += r.DBLevel
		acc.count++
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]Bucket, 0, len(buckets))
	for startNano, acc := range buckets {
		out = append(out, Bucket{
			Start: time.Unix(0, startNano).UTC(),
			AvgDB: acc.sum / float64(acc.count),
			Count: acc.count,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })

	e.metrics.AggregationDuration.WithLabelValues("time_series").Observe(time.Since(started).Seconds())
	e.metrics.AggregationRows.WithLabelValues("time_series").Observe(float64(scanned))
	return out, nil
}

// bucketStart floors t onto the epoch-aligned grid of the given width and
// returns the bucket's start in Unix nanoseconds.
func bucketStart(t time.Time, width time.Duration) int64 {
	w := width.Nanoseconds()
	n := t.UnixNano()
	rem := ((n % w) + w) % w // floor modulo, correct for pre-epoch times
	return n - rem
}
