package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	gormlogger "gorm.io/gorm/logger"

	"harvester/internal/broadcast"
	"harvester/internal/database"
	"harvester/internal/imperva"
	"harvester/internal/jobs/harvest"
	"harvester/internal/metrics"
	"harvester/internal/support"
)

// pipeline is everything a sync run needs, built from the session config.
type pipeline struct {
	job      *harvest.Job
	recorder *metrics.Recorder
	redis    *redis.Client
}

func (s *session) buildPipeline(ctx context.Context) (*pipeline, error) {
	cfg := s.cfg
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	httpClient, err := support.NewHTTPClient(cfg.Imperva.Timeout, cfg.Imperva.SOCKS5Proxy)
	if err != nil {
		return nil, fmt.Errorf("build http client: %w", err)
	}
	client, err := imperva.NewClient(cfg.Imperva, httpClient, s.logger)
	if err != nil {
		return nil, err
	}

	p := &pipeline{recorder: metrics.NewRecorder()}
	opts := []harvest.Option{
		harvest.WithMetrics(p.recorder),
		harvest.WithGeoDir(cfg.GeoLiteDir()),
	}

	// Optional sinks: a failure to connect disables the sink for this
	// process but never blocks the file-based run.
	if cfg.Database.DSN != "" {
		store, err := s.openMirror()
		if err != nil {
			s.logger.Warn("SQL mirror disabled", "error", err)
		} else {
			s.closers = append(s.closers, store)
			opts = append(opts, harvest.WithSinks(store))
		}
	}

	if cfg.Redis.URL != "" {
		rdb, err := support.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			s.logger.Warn("Redis disabled", "error", err)
		} else {
			s.closers = append(s.closers, rdb)
			p.redis = rdb
			opts = append(opts, harvest.WithSinks(broadcast.NewPublisher(rdb)))
		}
	}

	p.job = harvest.New(cfg, client, s.logger, opts...)
	return p, nil
}

func (s *session) openMirror(opts ...database.Option) (*database.Store, error) {
	base := []database.Option{
		database.WithDSN(s.cfg.Database.DSN),
		database.WithMaxOpenConns(s.cfg.Database.MaxOpenConns),
		database.WithAppLogger(s.logger),
		database.WithLogger(sqlLogger(s.logger, s.cfg.Log.Level)),
	}
	return database.Open(append(base, opts...)...)
}

// sqlLogger routes gorm through the application logger.
func sqlLogger(l *log.Logger, level string) gormlogger.Interface {
	return gormlogger.New(l, gormlogger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  sqlLogLevel(level),
		IgnoreRecordNotFoundError: true,
	})
}

// sqlLogLevel traces statements only at debug level; otherwise just slow
// queries and errors show up.
func sqlLogLevel(level string) gormlogger.LogLevel {
	if strings.EqualFold(strings.TrimSpace(level), "debug") {
		return gormlogger.Info
	}
	return gormlogger.Warn
}
