package httpapi

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/safewalk/internal/config"
	"github.com/example/safewalk/internal/eta"
	"github.com/example/safewalk/internal/geo"
	"github.com/example/safewalk/internal/ingest"
	"github.com/example/safewalk/internal/matcher"
	"github.com/example/safewalk/internal/storage"
)

// NewServerFromConfig wires Redis, Postgres and Kafka when configured and
// falls back to in-memory implementations otherwise. The returned cleanup
// releases whatever was opened.
func NewServerFromConfig(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*Server, func(), error) {
	var closers []func() error
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close_failed", "error", err)
			}
		}
	}

	var g geo.Geo
	if cfg.RedisAddr != "" {
		rg := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		closers = append(closers, rg.Close)
		if err := rg.Ping(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		g = rg
		logger.Info("geo_backend", "kind", "redis", "addr", cfg.RedisAddr)
	} else {
		g = geo.NewIndex()
		logger.Info("geo_backend", "kind", "memory")
	}

	var store storage.RequestStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		closers = append(closers, ps.Close)
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				cleanup()
				return nil, nil, err
			}
			logger.Info("migrations_applied")
		}
		store = ps
	} else {
		store = storage.NewMemoryStore()
	}

	var events EventPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		closers = append(closers, kp.Close)
		events = kp
	}

	estimator := &eta.Estimator{SpeedMps: cfg.WalkingSpeedMps, Cache: eta.NewCache(cfg.ETACacheTTL)}
	if cfg.OSRMURL != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMURL)
	}

	m := &matcher.Service{Geo: g, Busy: store, ETA: estimator, RadiusM: cfg.SearchRadiusM, TopN: cfg.MatcherTopN}
	s := New(Deps{Geo: g, Store: store, Matcher: m, Events: events}, logger)
	return s, cleanup, nil
}
