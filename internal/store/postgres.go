package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/quietmap/noisemap/internal/domain"
)

// PoolConfig bounds the shared connection pool. Every operation acquires a
// connection from the pool for its own scope and releases it on all exit
// paths; concurrent load is capped instead of opening a connection per call.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// readingRow is the persisted shape of a noise reading. The geom column is
// managed outside GORM's migrator because it is a PostGIS type.
type readingRow struct {
	ID              string    `gorm:"type:uuid;primaryKey"`
	DeviceID        string    `gorm:"column:device_id;index"`
	Timestamp       time.Time `gorm:"not null;index:idx_noise_time"`
	Lat             float64
	Lon             float64
	DBLevel         float64 `gorm:"column:db_level"`
	SourceLabel     *string
	Features        datatypes.JSON
	RawAudioPath    string
	SampleRate      int
	DurationSeconds float64
	Processed       bool `gorm:"default:false"`
	CreatedAt       time.Time
}

func (readingRow) TableName() string { return "noise_readings" }

// PostgresStore is the PostGIS-backed Store. Spatial queries use the GiST
// index over the geom column; temporal queries use the timestamp index.
type PostgresStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewPostgres opens a pooled connection to Postgres. It does not create the
// schema; call Migrate before serving traffic.
func NewPostgres(dsn string, pool PoolConfig, logger *slog.Logger) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, &domain.StorageError{Op: "connect", Err: err}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, &domain.StorageError{Op: "connect", Err: err}
	}
	if pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	return &PostgresStore{db: db, logger: logger}, nil
}

// Migrate provisions the readings table, the PostGIS geometry column, and
// the spatial/temporal indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)

	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS postgis`).Error; err != nil {
		return &domain.StorageError{Op: "migrate", Err: err}
	}
	if err := db.AutoMigrate(&readingRow{}); err != nil {
		return &domain.StorageError{Op: "migrate", Err: err}
	}
	stmts := []string{
		`ALTER TABLE noise_readings ADD COLUMN IF NOT EXISTS geom geometry(Point, 4326)`,
		`CREATE INDEX IF NOT EXISTS idx_noise_geom ON noise_readings USING GIST (geom)`,
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return &domain.StorageError{Op: "migrate", Err: err}
		}
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, r *domain.NoiseReading) (string, error) {
	if err := prepareInsert(r); err != nil {
		return "", err
	}

	var features datatypes.JSON
	if r.Features != nil {
		data, err := json.Marshal(r.Features)
		if err != nil {
			return "", domain.NewValidationError("features", fmt.Sprintf("not serializable: %v", err))
		}
		features = datatypes.JSON(data)
	}

	// Single INSERT derives the geometry from lat/lon, so the row and its
	// spatial point commit atomically.
	err := s.db.WithContext(ctx).Exec(`
		INSERT INTO noise_readings
			(id, device_id, timestamp, lat, lon, geom, db_level, source_label,
			 features, raw_audio_path, sample_rate, duration_seconds, processed, created_at)
		VALUES (?, ?, ?, ?, ?, ST_SetSRID(ST_MakePoint(?, ?), 4326), ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.DeviceID, r.Timestamp, r.Lat, r.Lon, r.Lon, r.Lat, r.DBLevel, r.SourceLabel,
		features, r.RawAudioPath, r.SampleRate, r.DurationSeconds, r.Processed, r.CreatedAt,
	).Error
	if err != nil {
		return "", &domain.StorageError{Op: "insert", Err: err}
	}
	return r.ID, nil
}

func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]domain.NoiseReading, error) {
	if err := validateLimit(limit); err != nil {
		return nil, err
	}

	// Equal timestamps keep insertion order, matching the memory store's
	// stable sort.
	var rows []readingRow
	err := s.db.WithContext(ctx).
		Order("timestamp DESC, created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, &domain.StorageError{Op: "recent", Err: err}
	}

	out := make([]domain.NoiseReading, 0, len(rows))
	for _, row := range rows {
		r, err := row.toDomain()
		if err != nil {
			return nil, &domain.StorageError{Op: "recent", Err: err}
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *PostgresStore) ScanWindow(ctx context.Context, start, end time.Time, fn ScanFunc) error {
	q := s.db.WithContext(ctx).Model(&readingRow{}).
		Where("timestamp >= ? AND timestamp < ?", start, end).
		Order("timestamp ASC, created_at ASC")
	return s.stream(ctx, q, fn)
}

func (s *PostgresStore) Within(ctx context.Context, b Bounds, start, end time.Time, fn ScanFunc) error {
	q := s.db.WithContext(ctx).Model(&readingRow{}).
		Where("timestamp >= ? AND timestamp < ?", start, end).
		Where("geom && ST_MakeEnvelope(?, ?, ?, ?, 4326)", b.MinLon, b.MinLat, b.MaxLon, b.MaxLat).
		Order("timestamp ASC, created_at ASC")
	return s.stream(ctx, q, fn)
}

// stream iterates a query row by row. A single SELECT gives the scan a
// consistent snapshot; it never observes rows committed after it starts.
func (s *PostgresStore) stream(ctx context.Context, q *gorm.DB, fn ScanFunc) error {
	rows, err := q.Rows()
	if err != nil {
		return &domain.StorageError{Op: "scan", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var row readingRow
		if err := s.db.ScanRows(rows, &row); err != nil {
			return &domain.StorageError{Op: "scan", Err: err}
		}
		r, err := row.toDomain()
		if err != nil {
			return &domain.StorageError{Op: "scan", Err: err}
		}
		if err := fn(r); err != nil {
			if err == ErrStopScan {
				return nil
			}
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return &domain.StorageError{Op: "scan", Err: err}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return &domain.StorageError{Op: "ping", Err: err}
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return &domain.StorageError{Op: "ping", Err: err}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (row readingRow) toDomain() (domain.NoiseReading, error) {
	r := domain.NoiseReading{
		ID:              row.ID,
		DeviceID:        row.DeviceID,
		Timestamp:       row.Timestamp.UTC(),
		Lat:             row.Lat,
		Lon:             row.Lon,
		DBLevel:         row.DBLevel,
		SourceLabel:     row.SourceLabel,
		RawAudioPath:    row.RawAudioPath,
		SampleRate:      row.SampleRate,
		DurationSeconds: row.DurationSeconds,
		Processed:       row.Processed,
		CreatedAt:       row.CreatedAt.UTC(),
	}
	if len(row.Features) > 0 {
		if err := json.Unmarshal(row.Features, &r.Features); err != nil {
			return domain.NoiseReading{}, fmt.Errorf("decode features for %s: %w", row.ID, err)
		}
	}
	return r, nil
}
