//go:build integration

package integration_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/quietmap/noisemap/internal/domain"
	"github.com/quietmap/noisemap/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startPostgres runs a throwaway PostGIS container and returns its DSN.
func startPostgres(ctx context.Context, t *testing.T) string {
	t.Helper()

	container, err := tcpostgres.Run(ctx, "postgis/postgis:16-3.4",
		tcpostgres.WithDatabase("noisemap_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(2*time.Minute),
		),
	)
	require.NoError(t, err, "start postgis container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return dsn
}

func newStore(ctx context.Context, t *testing.T) *store.PostgresStore {
	t.Helper()

	dsn := startPostgres(ctx, t)
	pg, err := store.NewPostgres(dsn, store.PoolConfig{
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: 10 * time.Minute,
	}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Close() })

	require.NoError(t, pg.Migrate(ctx), "run migrations")
	return pg
}

func insertReading(ctx context.Context, t *testing.T, pg *store.PostgresStore, deviceID string, ts time.Time, lat, lon, db float64) string {
	t.Helper()
	id, err := pg.Insert(ctx, &domain.NoiseReading{
		DeviceID:  deviceID,
		Timestamp: ts,
		Lat:       lat,
		Lon:       lon,
		DBLevel:   db,
	})
	require.NoError(t, err)
	return id
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pg := newStore(ctx, t)
	require.NoError(t, pg.Ping(ctx))

	label := "traffic"
	reading := &domain.NoiseReading{
		DeviceID:        "d1",
		Timestamp:       time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC),
		Lat:             40.0,
		Lon:             -73.0,
		DBLevel:         72.5,
		SourceLabel:     &label,
		Features:        map[string]any{"rms": 0.42, "zcr": 0.05},
		RawAudioPath:    "s3://clips/d1/0800.wav",
		SampleRate:      22050,
		DurationSeconds: 5.0,
		Processed:       true,
	}
	id, err := pg.Insert(ctx, reading)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	rows, err := pg.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	got := rows[0]
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "d1", got.DeviceID)
	assert.True(t, got.Timestamp.Equal(reading.Timestamp))
	assert.Equal(t, 40.0, got.Lat)
	assert.Equal(t, -73.0, got.Lon)
	assert.Equal(t, 72.5, got.DBLevel)
	require.NotNil(t, got.SourceLabel)
	assert.Equal(t, "traffic", *got.SourceLabel)
	assert.Equal(t, 0.42, got.Features["rms"])
	assert.Equal(t, "s3://clips/d1/0800.wav", got.RawAudioPath)
	assert.Equal(t, 22050, got.SampleRate)
	assert.True(t, got.Processed)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestPostgresStoreRecentOrdering(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pg := newStore(ctx, t)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	insertReading(ctx, t, pg, "old", base, 40.0, -73.0, 60)
	insertReading(ctx, t, pg, "newest", base.Add(2*time.Hour), 40.0, -73.0, 70)
	insertReading(ctx, t, pg, "middle", base.Add(time.Hour), 40.0, -73.0, 65)

	rows, err := pg.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "newest", rows[0].DeviceID)
	assert.Equal(t, "middle", rows[1].DeviceID)
}

func TestPostgresStoreRecentTiesKeepInsertionOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pg := newStore(ctx, t)

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	insertReading(ctx, t, pg, "first", ts, 40.0, -73.0, 60)
	insertReading(ctx, t, pg, "second", ts, 40.0, -73.0, 65)
	insertReading(ctx, t, pg, "third", ts, 40.0, -73.0, 70)

	rows, err := pg.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "first", rows[0].DeviceID)
	assert.Equal(t, "second", rows[1].DeviceID)
	assert.Equal(t, "third", rows[2].DeviceID)
}

func TestPostgresStoreScanWindowHalfOpen(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pg := newStore(ctx, t)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	insertReading(ctx, t, pg, "at-start", start, 40.0, -73.0, 60)
	insertReading(ctx, t, pg, "inside", start.Add(30*time.Minute), 40.0, -73.0, 65)
	insertReading(ctx, t, pg, "at-end", end, 40.0, -73.0, 70)

	var seen []string
	err := pg.ScanWindow(ctx, start, end, func(r domain.NoiseReading) error {
		seen = append(seen, r.DeviceID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"at-start", "inside"}, seen, "window start is inclusive, end exclusive")
}

func TestPostgresStoreWithinBounds(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pg := newStore(ctx, t)

	ts := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)
	insertReading(ctx, t, pg, "nyc", ts, 40.7, -74.0, 70)
	insertReading(ctx, t, pg, "london", ts, 51.5, -0.1, 80)

	bounds := store.Bounds{MinLat: 40, MaxLat: 41, MinLon: -75, MaxLon: -73}
	var seen []string
	err := pg.Within(ctx, bounds, ts.Add(-time.Hour), ts.Add(time.Hour), func(r domain.NoiseReading) error {
		seen = append(seen, r.DeviceID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"nyc"}, seen)
}

func TestPostgresStoreStopScan(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pg := newStore(ctx, t)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		insertReading(ctx, t, pg, "d1", base.Add(time.Duration(i)*time.Minute), 40.0, -73.0, 60)
	}

	count := 0
	err := pg.ScanWindow(ctx, base, base.Add(time.Hour), func(domain.NoiseReading) error {
		count++
		if count == 2 {
			return store.ErrStopScan
		}
		return nil
	})
	require.NoError(t, err, "ErrStopScan ends the scan cleanly")
	assert.Equal(t, 2, count)
}

func TestPostgresStoreRejectsInvalidReading(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pg := newStore(ctx, t)

	_, err := pg.Insert(ctx, &domain.NoiseReading{
		DeviceID:  "d1",
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Lat:       95.0,
		Lon:       -73.0,
		DBLevel:   60,
	})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)

	rows, err := pg.Recent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
