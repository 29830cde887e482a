package aggregate

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietmap/noisemap/internal/domain"
	"github.com/quietmap/noisemap/internal/observability"
	"github.com/quietmap/noisemap/internal/store"
)

func newEngine(t *testing.T) (*Engine, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemory()
	return New(mem, slog.Default(), observability.NewMetricsForTesting()), mem
}

func insert(t *testing.T, mem *store.MemoryStore, deviceID string, ts time.Time, lat, lon, db float64) {
	t.Helper()
	_, err := mem.Insert(context.Background(), &domain.NoiseReading{
		DeviceID:  deviceID,
		Timestamp: ts,
		Lat:       lat,
		Lon:       lon,
		DBLevel:   db,
	})
	require.NoError(t, err)
}

func freezeAt(t *testing.T, instant time.Time) {
	t.Helper()
	domain.SetClock(clockwork.NewFakeClockAt(instant))
	t.Cleanup(func() { domain.SetClock(nil) })
}

func TestHeatmapSingleReading(t *testing.T) {
	freezeAt(t, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	eng, mem := newEngine(t)

	insert(t, mem, "d1", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 40.0, -73.0, 72.5)

	bins, err := eng.Heatmap(context.Background(), 24*time.Hour, nil)
	require.NoError(t, err)
	require.Len(t, bins, 1)
	assert.Equal(t, Bin{Lat: 40.0, Lon: -73.0, AvgDB: 72.5, Count: 1}, bins[0])
}

func TestHeatmapAveragesWithinCell(t *testing.T) {
	freezeAt(t, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	eng, mem := newEngine(t)

	base := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)
	// Same 4-decimal cell despite sub-cell jitter.
	insert(t, mem, "d1", base, 40.00001, -73.00002, 60)
	insert(t, mem, "d2", base.Add(time.Minute), 40.00004, -73.00001, 70)
	// Neighbouring cell.
	insert(t, mem, "d3", base, 40.0001, -73.0, 80)

	bins, err := eng.Heatmap(context.Background(), 24*time.Hour, nil)
	require.NoError(t, err)
	require.Len(t, bins, 2)

	assert.Equal(t, 40.0, bins[0].Lat)
	assert.InDelta(t, 65.0, bins[0].AvgDB, 1e-9)
	assert.Equal(t, int64(2), bins[0].Count)

	assert.Equal(t, 40.0001, bins[1].Lat)
	assert.Equal(t, int64(1), bins[1].Count)
}

func TestHeatmapExcludesReadingsOutsideWindow(t *testing.T) {
	freezeAt(t, time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC))
	eng, mem := newEngine(t)

	insert(t, mem, "d1", time.Date(2024, 1, 7, 23, 0, 0, 0, time.UTC), 40.0, -73.0, 70)
	insert(t, mem, "old", time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC), 40.0, -73.0, 90)

	bins, err := eng.Heatmap(context.Background(), 168*time.Hour, nil)
	require.NoError(t, err)
	require.Len(t, bins, 1)
	assert.Equal(t, int64(1), bins[0].Count)
	assert.Equal(t, 70.0, bins[0].AvgDB)
}

func TestHeatmapZeroWindow(t *testing.T) {
	eng, mem := newEngine(t)
	insert(t, mem, "d1", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 40.0, -73.0, 70)

	bins, err := eng.Heatmap(context.Background(), 0, nil)
	require.NoError(t, err)
	assert.Empty(t, bins)
}

func TestHeatmapNegativeWindow(t *testing.T) {
	eng, _ := newEngine(t)

	_, err := eng.Heatmap(context.Background(), -time.Hour, nil)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "window", verr.Field)
}

func TestHeatmapRespectsBounds(t *testing.T) {
	freezeAt(t, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	eng, mem := newEngine(t)

	ts := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)
	insert(t, mem, "in", ts, 40.0, -73.0, 70)
	insert(t, mem, "out", ts, 51.5, -0.1, 80)

	bounds := store.Bounds{MinLat: 39, MaxLat: 41, MinLon: -74, MaxLon: -72}
	bins, err := eng.Heatmap(context.Background(), 24*time.Hour, &bounds)
	require.NoError(t, err)
	require.Len(t, bins, 1)
	assert.Equal(t, 40.0, bins[0].Lat)
}

func TestTimeSeriesBucketsAlignToEpoch(t *testing.T) {
	eng, mem := newEngine(t)

	insert(t, mem, "d1", time.Date(2024, 1, 1, 0, 30, 0, 0, time.UTC), 40.0, -73.0, 60)
	insert(t, mem, "d2", time.Date(2024, 1, 1, 0, 45, 0, 0, time.UTC), 40.0, -73.0, 70)
	insert(t, mem, "d3", time.Date(2024, 1, 1, 1, 30, 0, 0, time.UTC), 40.0, -73.0, 80)

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC)
	buckets, err := eng.TimeSeries(context.Background(), time.Hour, from, to)
	require.NoError(t, err)
	require.Len(t, buckets, 2)

	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), buckets[0].Start)
	assert.InDelta(t, 65.0, buckets[0].AvgDB, 1e-9)
	assert.Equal(t, int64(2), buckets[0].Count)

	assert.Equal(t, time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC), buckets[1].Start)
	assert.Equal(t, 80.0, buckets[1].AvgDB)
	assert.Equal(t, int64(1), buckets[1].Count)
}

func TestTimeSeriesStableAcrossCalls(t *testing.T) {
	freezeAt(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	eng, mem := newEngine(t)

	insert(t, mem, "d1", time.Date(2024, 1, 1, 5, 10, 0, 0, time.UTC), 40.0, -73.0, 62)
	insert(t, mem, "d2", time.Date(2024, 1, 1, 9, 55, 0, 0, time.UTC), 40.0, -73.0, 68)

	first, err := eng.TimeSeries(context.Background(), time.Hour, time.Time{}, time.Time{})
	require.NoError(t, err)
	second, err := eng.TimeSeries(context.Background(), time.Hour, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, first, second, "bucket boundaries must not depend on call time")
}

func TestTimeSeriesSkipsEmptyBuckets(t *testing.T) {
	eng, mem := newEngine(t)

	insert(t, mem, "d1", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 40.0, -73.0, 60)
	insert(t, mem, "d2", time.Date(2024, 1, 1, 5, 0, 0, 0, time.UTC), 40.0, -73.0, 70)

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)
	buckets, err := eng.TimeSeries(context.Background(), time.Hour, from, to)
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.True(t, buckets[0].Start.Before(buckets[1].Start))
}

func TestTimeSeriesInvalidWidth(t *testing.T) {
	eng, _ := newEngine(t)

	_, err := eng.TimeSeries(context.Background(), 0, time.Time{}, time.Time{})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "bucket_width", verr.Field)
}

func TestTimeSeriesEmptyRange(t *testing.T) {
	eng, mem := newEngine(t)
	insert(t, mem, "d1", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 40.0, -73.0, 60)

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	buckets, err := eng.TimeSeries(context.Background(), time.Hour, at, at)
	require.NoError(t, err)
	assert.Empty(t, buckets)
}
