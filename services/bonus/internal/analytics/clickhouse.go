// Package analytics mirrors bonus transactions to ClickHouse for reporting
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/promo-platform/services/bonus/internal/domain"
)

// Schema creates the archive table
const Schema = `
CREATE TABLE IF NOT EXISTS bonus_transactions (
	id                      UUID,
	bonus_id                UUID,
	user_id                 String,
	tenant_id               String,
	type                    LowCardinality(String),
	amount                  Decimal(38, 8),
	currency                LowCardinality(String),
	balance_before          Decimal(38, 8),
	balance_after           Decimal(38, 8),
	turnover_before         Decimal(38, 8),
	turnover_after          Decimal(38, 8),
	contribution_rate       Int32,
	activity_category       LowCardinality(String),
	external_transaction_id String,
	created_at              DateTime64(3, 'UTC')
) ENGINE = MergeTree
ORDER BY (tenant_id, user_id, created_at)
`

const insertQuery = `INSERT INTO bonus_transactions`

// TransactionStore is the primary store the archive decorates
type TransactionStore interface {
	Create(ctx context.Context, tx *domain.BonusTransaction) error
}

// ArchiveConfig controls batching
type ArchiveConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultArchiveConfig returns sensible defaults
func DefaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		BufferSize:    10000,
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
	}
}

// Open connects to ClickHouse and creates the archive table
func Open(ctx context.Context, addr, database, username, password string) (driver.Conn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	if err := conn.Exec(ctx, Schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create archive table: %w", err)
	}
	return conn, nil
}

// ClickHouseArchive writes every transaction to the primary store and
// queues a copy for ClickHouse. Archive failures never reach the caller.
type ClickHouseArchive struct {
	next    TransactionStore
	conn    driver.Conn
	logger  *slog.Logger
	cfg     ArchiveConfig
	pending chan *domain.BonusTransaction
}

// NewClickHouseArchive creates archive decorator. Run must be started to
// drain the queue.
func NewClickHouseArchive(next TransactionStore, conn driver.Conn, logger *slog.Logger, cfg ArchiveConfig) *ClickHouseArchive {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultArchiveConfig().BufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultArchiveConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultArchiveConfig().FlushInterval
	}
	return &ClickHouseArchive{
		next:    next,
		conn:    conn,
		logger:  logger,
		cfg:     cfg,
		pending: make(chan *domain.BonusTransaction, cfg.BufferSize),
	}
}

// Create stores tx in the primary store, then queues it for archiving
func (a *ClickHouseArchive) Create(ctx context.Context, tx *domain.BonusTransaction) error {
	if err := a.next.Create(ctx, tx); err != nil {
		return err
	}

	c := *tx
	select {
	case a.pending <- &c:
	default:
		a.logger.Warn("archive buffer full, dropping transaction",
			"transaction_id", tx.ID,
			"bonus_id", tx.BonusID,
		)
	}
	return nil
}

// Run flushes queued transactions until ctx is cancelled, then flushes
// what is left
func (a *ClickHouseArchive) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*domain.BonusTransaction, 0, a.cfg.BatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := a.flush(ctx, batch); err != nil {
			a.logger.Error("failed to archive bonus transactions",
				"count", len(batch),
				"error", err,
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		drain:
			for {
				select {
				case tx := <-a.pending:
					batch = append(batch, tx)
					if len(batch) >= a.cfg.BatchSize {
						flush(drainCtx)
					}
				default:
					break drain
				}
			}
			flush(drainCtx)
			cancel()
			return

		case tx := <-a.pending:
			batch = append(batch, tx)
			if len(batch) >= a.cfg.BatchSize {
				flush(ctx)
			}

		case <-ticker.C:
			flush(ctx)
		}
	}
}

func (a *ClickHouseArchive) flush(ctx context.Context, txs []*domain.BonusTransaction) error {
	batch, err := a.conn.PrepareBatch(ctx, insertQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, tx := range txs {
		err := batch.Append(
			tx.ID,
			tx.BonusID,
			tx.UserID,
			tx.TenantID,
			string(tx.Type),
			tx.Amount,
			tx.Currency,
			tx.BalanceBefore,
			tx.BalanceAfter,
			tx.TurnoverBefore,
			tx.TurnoverAfter,
			int32(tx.ContributionRate),
			tx.ActivityCategory,
			tx.ExternalTransactionID,
			tx.CreatedAt,
		)
		if err != nil {
			batch.Abort()
			return fmt.Errorf("failed to append transaction %s: %w", tx.ID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}
