package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/quietmap/noisemap/internal/adapter/httpapi"
	kafkaadapter "github.com/quietmap/noisemap/internal/adapter/kafka"
	"github.com/quietmap/noisemap/internal/aggregate"
	"github.com/quietmap/noisemap/internal/audio"
	"github.com/quietmap/noisemap/internal/classifier"
	"github.com/quietmap/noisemap/internal/config"
	"github.com/quietmap/noisemap/internal/ingest"
	"github.com/quietmap/noisemap/internal/observability"
	"github.com/quietmap/noisemap/internal/store"
)

func main() {
	_ = godotenv.Load() // optional .env for local development

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := newStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	artifact, err := classifier.LoadArtifact(cfg.ModelPath)
	if err != nil {
		logger.Error("failed to load model artifact", "path", cfg.ModelPath, "error", err)
		os.Exit(1)
	}
	cls := classifier.New(artifact, logger)
	if cls.Loaded() {
		metrics.ModelLoaded.Set(1)
		logger.Info("model artifact loaded", "path", cfg.ModelPath, "version", cls.Version())
	} else {
		metrics.ModelLoaded.Set(0)
		logger.Warn("no model artifact found, serving unknown labels", "path", cfg.ModelPath)
	}

	// Optional egress of persisted readings (feature-flagged via KAFKA_ENABLED).
	var publisher ingest.Publisher
	var kafkaPub *kafkaadapter.Publisher
	if cfg.KafkaEnabled {
		kafkaPub = kafkaadapter.NewPublisher(cfg, logger)
		publisher = kafkaPub
		logger.Info("kafka egress enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaSinkTopic)
	} else {
		logger.Info("kafka egress disabled")
	}

	svc := ingest.New(st, cls, audio.NewExtractor(), publisher, logger, metrics)
	engine := aggregate.New(st, logger, metrics)

	srv := httpapi.NewServer(cfg.HTTPAddr, httpapi.Deps{
		Ingestor:   svc,
		Readings:   st,
		Aggregator: engine,
		Classifier: cls,
	}, httpapi.Options{
		RecentDefaultLimit:  cfg.RecentDefaultLimit,
		HeatmapDefaultHours: cfg.HeatmapDefaultHours,
	}, logger)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if kafkaPub != nil {
		if err := kafkaPub.Close(); err != nil {
			logger.Error("kafka publisher close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}

func newStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.StoreBackend == "memory" {
		logger.Info("using in-memory store")
		return store.NewMemory(), nil
	}

	pg, err := store.NewPostgres(cfg.DatabaseURL, store.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	logger.Info("postgres store ready", "max_open_conns", cfg.DBMaxOpenConns)
	return pg, nil
}
