package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/promo-platform/services/bonus/internal/activity"
	"github.com/promo-platform/services/bonus/internal/analytics"
	"github.com/promo-platform/services/bonus/internal/config"
	"github.com/promo-platform/services/bonus/internal/ledger"
	"github.com/promo-platform/services/bonus/internal/repository"
	"github.com/promo-platform/services/bonus/internal/service"
)

// dependencies are the stores the engine runs on
type dependencies struct {
	Templates    service.TemplateStore
	Bonuses      service.UserBonusStore
	Transactions service.TransactionStore
	Ledger       service.Ledger
	Deduper      service.Deduper
	Tracker      service.ActivityTracker

	db       *sqlx.DB
	ledgerDB *sqlx.DB
	redis    *redis.Client
	ch       driver.Conn
}

// Ready reports the first unreachable backend
func (d *dependencies) Ready(ctx context.Context) (string, error) {
	if d.db != nil {
		if err := d.db.PingContext(ctx); err != nil {
			return "database", err
		}
	}
	if d.ledgerDB != nil && d.ledgerDB != d.db {
		if err := d.ledgerDB.PingContext(ctx); err != nil {
			return "ledger", err
		}
	}
	if d.redis != nil {
		if err := d.redis.Ping(ctx).Err(); err != nil {
			return "redis", err
		}
	}
	return "", nil
}

// Close releases connections
func (d *dependencies) Close() {
	if d.ch != nil {
		d.ch.Close()
	}
	if d.redis != nil {
		d.redis.Close()
	}
	if d.ledgerDB != nil && d.ledgerDB != d.db {
		d.ledgerDB.Close()
	}
	if d.db != nil {
		d.db.Close()
	}
}

func setupStorage(ctx context.Context, cfg config.Config, logger *slog.Logger) (*dependencies, error) {
	var (
		deps *dependencies
		err  error
	)
	switch cfg.Storage {
	case config.StorageMemory:
		deps, err = setupMemory(cfg, logger)
	default:
		deps, err = setupPostgres(ctx, cfg, logger)
	}
	if err != nil {
		return nil, err
	}

	// Mirror transactions to ClickHouse when configured
	if cfg.ClickHouseAddr != "" {
		conn, err := analytics.Open(ctx, cfg.ClickHouseAddr, cfg.ClickHouseDatabase, cfg.ClickHouseUser, cfg.ClickHousePassword)
		if err != nil {
			logger.Warn("failed to connect to ClickHouse, archive disabled", "error", err)
		} else {
			archive := analytics.NewClickHouseArchive(deps.Transactions, conn, logger, analytics.DefaultArchiveConfig())
			go archive.Run(ctx)
			deps.Transactions = archive
			deps.ch = conn
			logger.Info("connected to ClickHouse")
		}
	}

	return deps, nil
}

func setupMemory(cfg config.Config, logger *slog.Logger) (*dependencies, error) {
	templates, err := repository.NewYAMLTemplateStore(cfg.TemplatesFile)
	if err != nil {
		return nil, err
	}
	logger.Info("using in-memory storage", "templates_file", cfg.TemplatesFile)

	return &dependencies{
		Templates:    templates,
		Bonuses:      repository.NewMemoryBonusStore(templates),
		Transactions: repository.NewMemoryTransactionStore(),
		Ledger:       ledger.NewMemoryLedger(),
		Deduper:      repository.NewMemoryDeduper(cfg.EventDedupeTTL),
		Tracker:      activity.NewMemoryTracker(),
	}, nil
}

func setupPostgres(ctx context.Context, cfg config.Config, logger *slog.Logger) (*dependencies, error) {
	deps := &dependencies{}

	// Connect to PostgreSQL
	db, err := connectPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	deps.db = db
	logger.Info("connected to PostgreSQL")

	if err := repository.Migrate(ctx, db); err != nil {
		deps.Close()
		return nil, err
	}

	templates := repository.NewPostgresTemplateStore(db)
	if cfg.TemplatesFile != "" {
		if err := seedTemplates(ctx, templates, cfg.TemplatesFile, logger); err != nil {
			deps.Close()
			return nil, err
		}
	}

	// Ledger may live in its own database
	deps.ledgerDB = db
	if cfg.LedgerDatabaseURL != cfg.DatabaseURL {
		ledgerDB, err := connectPostgres(cfg.LedgerDatabaseURL)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("ledger: %w", err)
		}
		deps.ledgerDB = ledgerDB
	}
	pgLedger := ledger.NewPostgresLedger(deps.ledgerDB, logger)
	if err := pgLedger.Migrate(ctx); err != nil {
		deps.Close()
		return nil, err
	}

	// Connect to Redis
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	deps.redis = redis.NewClient(redisOpts)
	if err := deps.redis.Ping(ctx).Err(); err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Info("connected to Redis")

	deps.Templates = templates
	deps.Bonuses = repository.NewPostgresBonusStore(db)
	deps.Transactions = repository.NewPostgresTransactionStore(db)
	deps.Ledger = pgLedger
	deps.Deduper = repository.NewRedisDeduper(deps.redis, cfg.EventDedupeTTL)
	deps.Tracker = activity.NewRedisTracker(deps.redis, cfg.LastSeenTTL)
	return deps, nil
}

func connectPostgres(url string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

func seedTemplates(ctx context.Context, store *repository.PostgresTemplateStore, path string, logger *slog.Logger) error {
	templates, err := repository.LoadTemplates(path)
	if err != nil {
		return err
	}
	for _, t := range templates {
		if err := store.Upsert(ctx, t); err != nil {
			return err
		}
	}
	logger.Info("bonus templates loaded", "count", len(templates), "file", path)
	return nil
}
