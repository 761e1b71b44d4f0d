package database

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"harvester/internal/domain"

	"github.com/charmbracelet/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const upsertBatchSize = 500

// Store mirrors the harvested datasets into SQL tables.
type Store struct {
	db     *gorm.DB
	logger *log.Logger
}

type Config struct {
	ExistingDB   *gorm.DB
	Dialector    gorm.Dialector
	Logger       logger.Interface
	AppLogger    *log.Logger
	AutoMigrate  bool
	MaxOpenConns int
}

type Option func(*Config)

func WithExistingDB(db *gorm.DB) Option {
	return func(cfg *Config) {
		cfg.ExistingDB = db
	}
}

func WithDialector(d gorm.Dialector) Option {
	return func(cfg *Config) {
		cfg.Dialector = d
	}
}

// WithDSN connects to PostgreSQL.
func WithDSN(dsn string) Option {
	return WithDialector(postgres.Open(dsn))
}

func WithLogger(l logger.Interface) Option {
	return func(cfg *Config) {
		cfg.Logger = l
	}
}

func WithAppLogger(l *log.Logger) Option {
	return func(cfg *Config) {
		cfg.AppLogger = l
	}
}

func WithAutoMigrate(enabled bool) Option {
	return func(cfg *Config) {
		cfg.AutoMigrate = enabled
	}
}

func WithMaxOpenConns(n int) Option {
	return func(cfg *Config) {
		cfg.MaxOpenConns = n
	}
}

func Open(opts ...Option) (*Store, error) {
	cfg := Config{
		Logger:       silentLogger(),
		AutoMigrate:  true,
		MaxOpenConns: 8,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AppLogger == nil {
		cfg.AppLogger = log.New(io.Discard)
	}

	var db *gorm.DB
	switch {
	case cfg.ExistingDB != nil:
		db = cfg.ExistingDB
	case cfg.Dialector != nil:
		opened, err := gorm.Open(cfg.Dialector, &gorm.Config{Logger: cfg.Logger})
		if err != nil {
			return nil, fmt.Errorf("database: open connection: %w", err)
		}
		db = opened
		configureConnectionPool(db, cfg.MaxOpenConns, cfg.AppLogger)
	default:
		return nil, errors.New("database: no dialector or existing connection provided")
	}

	if cfg.AutoMigrate {
		if err := db.AutoMigrate(Migrations()...); err != nil {
			return nil, fmt.Errorf("database: auto migrate: %w", err)
		}
		cfg.AppLogger.Debug("Database migration completed.")
	}

	return &Store{db: db, logger: cfg.AppLogger}, nil
}

func Migrations() []any {
	return []any{
		&domain.AttackIPRecord{},
		&domain.AttackedDomainRecord{},
		&domain.SyncRun{},
	}
}

func silentLogger() logger.Interface {
	return logger.New(
		log.Default(),
		logger.Config{LogLevel: logger.Silent},
	)
}

func configureConnectionPool(db *gorm.DB, maxOpen int, l *log.Logger) {
	sqlDB, err := db.DB()
	if err != nil {
		l.Error("database: get sql.DB", "error", err)
		return
	}

	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
		sqlDB.SetMaxIdleConns(maxOpen)
	}
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	sqlDB.SetConnMaxIdleTime(time.Minute)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Name() string { return "sql" }

// Deliver mirrors one run: its indicators and the run record itself.
func (s *Store) Deliver(ctx context.Context, batch domain.RunBatch) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsertAttackIPs(tx, batch.Run.ID, batch.IPs); err != nil {
			return err
		}
		if err := upsertDomains(tx, batch.Run.ID, batch.Domains); err != nil {
			return err
		}
		run := batch.Run
		if err := tx.Create(&run).Error; err != nil {
			return fmt.Errorf("record run: %w", err)
		}
		return nil
	})
}
