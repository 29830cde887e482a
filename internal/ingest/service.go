// Package ingest validates incoming noise readings, enriches them with
// audio-derived features and a source label, and persists them.
//
// Per reading the flow is received → validated → (feature-enriched?) →
// persisted. Classification failures never block ingestion; they downgrade
// the reading to the explicit "unknown" label and are recorded out of band
// via logs and metrics. Storage failures are always surfaced. This layer
// performs no retries; retry policy belongs to the caller.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/quietmap/noisemap/internal/classifier"
	"github.com/quietmap/noisemap/internal/domain"
	"github.com/quietmap/noisemap/internal/observability"
	"github.com/quietmap/noisemap/internal/store"
)

// Classifier maps a flattened feature vector to a source label.
type Classifier interface {
	Classify(values []float64) (classifier.Result, error)
}

// Extractor derives a feature vector from raw PCM samples.
type Extractor interface {
	Extract(samples []float64, sampleRate int) (domain.FeatureVector, error)
}

// Publisher forwards persisted readings to downstream consumers. Publish
// failures are logged, never surfaced: the reading is already durable.
type Publisher interface {
	Publish(ctx context.Context, r domain.NoiseReading) error
}

// Request is an incoming reading before system fields are assigned.
type Request struct {
	DeviceID        string
	Timestamp       time.Time
	Lat             float64
	Lon             float64
	DBLevel         float64
	SourceLabel     *string
	Features        *domain.FeaturePayload
	RawAudioPath    string
	AudioSamples    []float64
	SampleRate      int
	DurationSeconds float64
}

// Service is the ingestion pipeline for noise readings.
type Service struct {
	store      store.Store
	classifier Classifier
	extractor  Extractor
	publisher  Publisher
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// New creates a Service. extractor and publisher may be nil to disable
// inline audio enrichment and egress respectively.
func New(s store.Store, c Classifier, e Extractor, p Publisher, logger *slog.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		store:      s,
		classifier: c,
		extractor:  e,
		publisher:  p,
		logger:     logger,
		metrics:    metrics,
	}
}

// Ingest runs one reading through the pipeline and returns the assigned id.
// The reading is either fully persisted or not persisted at all; there is
// no observable partial state.
func (s *Service) Ingest(ctx context.Context, req Request) (string, error) {
	reading := domain.NoiseReading{
		DeviceID:        req.DeviceID,
		Timestamp:       req.Timestamp,
		Lat:             req.Lat,
		Lon:             req.Lon,
		DBLevel:         req.DBLevel,
		SourceLabel:     req.SourceLabel,
		RawAudioPath:    req.RawAudioPath,
		SampleRate:      req.SampleRate,
		DurationSeconds: req.DurationSeconds,
	}

	if err := reading.Validate(); err != nil {
		s.metrics.ValidationErrors.Inc()
		return "", err
	}

	features := req.Features
	if features == nil && len(req.AudioSamples) > 0 && s.extractor != nil {
		vector, err := s.extractor.Extract(req.AudioSamples, req.SampleRate)
		if err != nil {
			// Unusable audio skips classification but never blocks ingestion.
			s.logger.Warn("feature extraction failed, continuing without features",
				"device_id", req.DeviceID, "error", err)
			s.metrics.ClassifyRequests.WithLabelValues("audio_error").Inc()
			s.metrics.ClassifierFallbacks.Inc()
			reading.SetLabel(domain.LabelUnknown)
			reading.Processed = true
		} else {
			payload := vector.Payload()
			features = &payload
		}
	}

	if features != nil {
		reading.Features = features.Map()
		if !reading.Labeled() {
			s.classify(*features, &reading)
		}
	}

	// Unlabeled readings persist with the explicit sentinel so consumers
	// never need to distinguish nil from unclassified.
	if !reading.Labeled() {
		reading.SetLabel(domain.LabelUnknown)
	}

	id, err := s.store.Insert(ctx, &reading)
	if err != nil {
		var serr *domain.StorageError
		if errors.As(err, &serr) {
			s.metrics.StorageErrors.Inc()
			s.logger.Error("reading insert failed", "device_id", req.DeviceID, "error", err)
		} else {
			s.metrics.ValidationErrors.Inc()
		}
		return "", err
	}
	s.metrics.ReadingsIngested.Inc()

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, reading); err != nil {
			s.logger.Warn("publish reading failed", "id", id, "error", err)
		} else {
			s.metrics.ReadingsPublished.Inc()
		}
	}

	return id, nil
}

// classify attempts to label the reading from its features, downgrading any
// failure to the "unknown" label. A classification attempt always marks the
// reading processed.
func (s *Service) classify(features domain.FeaturePayload, reading *domain.NoiseReading) {
	reading.Processed = true

	if s.classifier == nil {
		s.metrics.ClassifyRequests.WithLabelValues("no_model").Inc()
		reading.SetLabel(domain.LabelUnknown)
		return
	}

	res, err := s.classifier.Classify(features.Values())
	if err != nil {
		s.logger.Warn("classification failed, falling back to unknown",
			"device_id", reading.DeviceID, "error", err)
		outcome := "unknown"
		var shapeErr *domain.FeatureShapeError
		if errors.As(err, &shapeErr) {
			outcome = "shape_error"
		}
		s.metrics.ClassifyRequests.WithLabelValues(outcome).Inc()
		s.metrics.ClassifierFallbacks.Inc()
		reading.SetLabel(domain.LabelUnknown)
		return
	}

	switch {
	case res.Detail != "":
		s.metrics.ClassifyRequests.WithLabelValues("no_model").Inc()
	case res.Label == domain.LabelUnknown:
		s.metrics.ClassifyRequests.WithLabelValues("unknown").Inc()
	default:
		s.metrics.ClassifyRequests.WithLabelValues("labeled").Inc()
	}
	reading.SetLabel(res.Label)
}
