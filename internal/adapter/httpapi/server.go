// Package httpapi exposes the service over HTTP: reading ingestion, recent
// and aggregate queries, on-demand classification, and the operational
// endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quietmap/noisemap/internal/aggregate"
	"github.com/quietmap/noisemap/internal/classifier"
	"github.com/quietmap/noisemap/internal/domain"
	"github.com/quietmap/noisemap/internal/ingest"
	"github.com/quietmap/noisemap/internal/store"
)

// Ingestor runs a reading through the ingestion pipeline.
type Ingestor interface {
	Ingest(ctx context.Context, req ingest.Request) (string, error)
}

// Aggregator serves spatial and temporal aggregate queries.
type Aggregator interface {
	Heatmap(ctx context.Context, window time.Duration, bounds *store.Bounds) ([]aggregate.Bin, error)
	TimeSeries(ctx context.Context, width time.Duration, from, to time.Time) ([]aggregate.Bucket, error)
}

// Classifier maps a flattened feature vector to a source label.
type Classifier interface {
	Classify(values []float64) (classifier.Result, error)
}

// ReadingStore is the read-side store surface the server queries directly.
type ReadingStore interface {
	Recent(ctx context.Context, limit int) ([]domain.NoiseReading, error)
	Ping(ctx context.Context) error
}

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Ingestor   Ingestor
	Readings   ReadingStore
	Aggregator Aggregator
	Classifier Classifier
}

// Options tune the query defaults applied when a request omits a parameter.
type Options struct {
	RecentDefaultLimit  int
	HeatmapDefaultHours int
}

// Server exposes the reading API plus health, readiness, and metrics routes.
type Server struct {
	httpServer *http.Server
	deps       Deps
	opts       Options
	validate   *validator.Validate
	logger     *slog.Logger
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(addr string, deps Deps, opts Options, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		deps:     deps,
		opts:     opts,
		validate: validator.New(),
		logger:   logger,
	}

	mux.HandleFunc("POST /ingest", s.handleIngest)
	mux.HandleFunc("GET /readings/recent", s.handleRecent)
	mux.HandleFunc("GET /readings/heatmap", s.handleHeatmap)
	mux.HandleFunc("GET /readings/timeseries", s.handleTimeSeries)
	mux.HandleFunc("POST /infer/classify", s.handleClassify)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

type ingestPayload struct {
	DeviceID        string                 `json:"device_id" validate:"required"`
	Timestamp       time.Time              `json:"timestamp" validate:"required"`
	Lat             float64                `json:"lat" validate:"gte=-90,lte=90"`
	Lon             float64                `json:"lon" validate:"gte=-180,lte=180"`
	DBLevel         float64                `json:"db_level"`
	SourceLabel     *string                `json:"source_label"`
	Features        *domain.FeaturePayload `json:"features"`
	RawAudioPath    string                 `json:"raw_audio_path"`
	AudioSamples    []float64              `json:"audio_samples"`
	SampleRate      int                    `json:"sample_rate" validate:"omitempty,gt=0"`
	DurationSeconds float64                `json:"duration_seconds" validate:"omitempty,gte=0"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var payload ingestPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body: "+err.Error()))
		return
	}
	if err := s.validate.Struct(payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	id, err := s.deps.Ingestor.Ingest(r.Context(), ingest.Request{
		DeviceID:        payload.DeviceID,
		Timestamp:       payload.Timestamp,
		Lat:             payload.Lat,
		Lon:             payload.Lon,
		DBLevel:         payload.DBLevel,
		SourceLabel:     payload.SourceLabel,
		Features:        payload.Features,
		RawAudioPath:    payload.RawAudioPath,
		AudioSamples:    payload.AudioSamples,
		SampleRate:      payload.SampleRate,
		DurationSeconds: payload.DurationSeconds,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit := s.opts.RecentDefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody(fmt.Sprintf("limit must be a positive integer, got %q", raw)))
			return
		}
		limit = n
	}

	readings, err := s.deps.Readings.Recent(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	summaries := make([]domain.ReadingSummary, len(readings))
	for i, reading := range readings {
		summaries[i] = reading.Summary()
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleHeatmap(w http.ResponseWriter, r *http.Request) {
	hours := s.opts.HeatmapDefaultHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody(fmt.Sprintf("hours must be a non-negative integer, got %q", raw)))
			return
		}
		hours = n
	}

	bounds, err := parseBounds(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	bins, err := s.deps.Aggregator.Heatmap(r.Context(), time.Duration(hours)*time.Hour, bounds)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bins)
}

func (s *Server) handleTimeSeries(w http.ResponseWriter, r *http.Request) {
	width := time.Hour
	if raw := r.URL.Query().Get("bucket"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody(fmt.Sprintf("bucket must be a positive duration, got %q", raw)))
			return
		}
		width = d
	}

	var from, to time.Time
	var err error
	if from, err = parseTimeParam(r, "from"); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if to, err = parseTimeParam(r, "to"); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	buckets, err := s.deps.Aggregator.TimeSeries(r.Context(), width, from, to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var payload domain.FeaturePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body: "+err.Error()))
		return
	}

	// Shape is the classifier's call: without a model every payload yields
	// the unknown result, and with one a wrong width is a FeatureShapeError.
	result, err := s.deps.Classifier.Classify(payload.Values())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.deps.Readings.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// parseBounds reads the optional bounding-box parameters. Either all four are
// present or none.
func parseBounds(r *http.Request) (*store.Bounds, error) {
	q := r.URL.Query()
	keys := []string{"min_lat", "max_lat", "min_lon", "max_lon"}
	values := make([]float64, len(keys))
	present := 0
	for i, key := range keys {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("%s must be a number, got %q", key, raw)
		}
		values[i] = v
		present++
	}
	switch present {
	case 0:
		return nil, nil
	case len(keys):
	default:
		return nil, errors.New("bounding box requires all of min_lat, max_lat, min_lon, max_lon")
	}

	b := &store.Bounds{MinLat: values[0], MaxLat: values[1], MinLon: values[2], MaxLon: values[3]}
	if b.MinLat > b.MaxLat || b.MinLon > b.MaxLon {
		return nil, errors.New("bounding box min must not exceed max")
	}
	return b, nil
}

func parseTimeParam(r *http.Request, key string) (time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC 3339, got %q", key, raw)
	}
	return t, nil
}

// writeError maps domain errors onto HTTP statuses: invalid input is the
// caller's fault, storage trouble is retryable, everything else is opaque.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	var shapeErr *domain.FeatureShapeError
	var audioErr *domain.InvalidAudioError
	var serr *domain.StorageError
	switch {
	case errors.As(err, &verr), errors.As(err, &shapeErr), errors.As(err, &audioErr):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	case errors.As(err, &serr):
		s.logger.Error("storage error serving request", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorBody("storage unavailable"))
	default:
		s.logger.Error("unhandled error serving request", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort response write
}
