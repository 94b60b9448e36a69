// Package pgstore is the store.Store backed by PostgreSQL through pgx.
package pgstore

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"banksync-backend/internal/domain"
	"banksync-backend/internal/fault"
	"banksync-backend/internal/store"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Config struct {
	URL      string
	MaxConns int32
}

type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = Store{}

func persistence(op string, err error) error {
	return fault.New(fault.Persistence, op, err)
}

// Open connects to PostgreSQL and applies the embedded migrations.
func Open(ctx context.Context, cfg Config) (Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return Store{}, fault.New(fault.Config, "pgstore.open", fmt.Errorf("parse database url: %w", err))
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return Store{}, persistence("pgstore.open", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return Store{}, persistence("pgstore.open", err)
	}
	if err := Migrate(pool); err != nil {
		pool.Close()
		return Store{}, persistence("pgstore.open", err)
	}
	return Store{pool: pool}, nil
}

func Migrate(pool *pgxpool.Pool) error {
	database := stdlib.OpenDBFromPool(pool)

	driver, err := migratepgx.WithInstance(database, &migratepgx.Config{})
	if err != nil {
		database.Close()
		return fmt.Errorf("create pgx driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		driver.Close()
		return fmt.Errorf("create iofs source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		driver.Close()
		return fmt.Errorf("create migrate instance: %w", err)
	}
	// closes the driver's dedicated connection and database
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s Store) Close() error {
	s.pool.Close()
	return nil
}

func (s Store) UpsertTransactions(ctx context.Context, records []domain.TransactionRecord) (store.UpsertResult, error) {
	var result store.UpsertResult
	if len(records) == 0 {
		return result, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return result, persistence("pgstore.upsert-transactions", err)
	}
	defer tx.Rollback(ctx)

	for _, rec := range records {
		tag, err := tx.Exec(ctx, `
			INSERT INTO transactions (identity_hash, account, operation_id, date, datetime_raw,
				counterparty_name, counterparty_tax_id, counterparty_kind, amount_minor, captured_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (identity_hash) DO NOTHING`,
			rec.Hash, rec.Account, rec.OperationID, rec.Date, rec.DateTimeRaw,
			rec.CounterpartyName, rec.CounterpartyTaxID, string(rec.CounterpartyKind),
			rec.AmountMinor, rec.CapturedAt,
		)
		if err != nil {
			return store.UpsertResult{}, persistence("pgstore.upsert-transactions", fmt.Errorf("insert %s: %w", rec.Hash, err))
		}
		if tag.RowsAffected() == 0 {
			result.Skipped++
			continue
		}
		result.Inserted++
		_, err = tx.Exec(ctx, `
			INSERT INTO handoff_outbox (identity_hash, created_at) VALUES ($1, $2)
			ON CONFLICT (identity_hash) DO NOTHING`,
			rec.Hash, rec.CapturedAt,
		)
		if err != nil {
			return store.UpsertResult{}, persistence("pgstore.upsert-transactions", fmt.Errorf("queue %s: %w", rec.Hash, err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return store.UpsertResult{}, persistence("pgstore.upsert-transactions", err)
	}
	return result, nil
}

const latestBalanceSQL = `
	SELECT account, value, captured_at FROM balances
	WHERE account = $1
	ORDER BY captured_at DESC, id DESC
	LIMIT 1`

func scanBalance(row pgx.Row) (domain.BalanceSnapshot, error) {
	var b domain.BalanceSnapshot
	err := row.Scan(&b.Account, &b.Value, &b.CapturedAt)
	b.CapturedAt = b.CapturedAt.UTC()
	return b, err
}

func (s Store) LatestBalance(ctx context.Context, account string) (domain.BalanceSnapshot, bool, error) {
	b, err := scanBalance(s.pool.QueryRow(ctx, latestBalanceSQL, account))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.BalanceSnapshot{}, false, nil
	}
	if err != nil {
		return domain.BalanceSnapshot{}, false, persistence("pgstore.latest-balance", err)
	}
	return b, true, nil
}

func (s Store) RecordBalanceIfChanged(ctx context.Context, account string, value int64, at time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, persistence("pgstore.record-balance", err)
	}
	defer tx.Rollback(ctx)

	// serializes writers of the same account for the rest of the transaction
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, account); err != nil {
		return false, persistence("pgstore.record-balance", err)
	}

	latest, err := scanBalance(tx.QueryRow(ctx, latestBalanceSQL, account))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return false, persistence("pgstore.record-balance", err)
	case latest.Value == value:
		return false, nil
	}

	_, err = tx.Exec(ctx, `INSERT INTO balances (account, value, captured_at) VALUES ($1, $2, $3)`, account, value, at)
	if err != nil {
		return false, persistence("pgstore.record-balance", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, persistence("pgstore.record-balance", err)
	}
	return true, nil
}

// pgLimit maps "no limit" to NULL, which postgres treats as LIMIT ALL.
func pgLimit(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

func (s Store) BalanceHistory(ctx context.Context, account string, limit int) ([]domain.BalanceSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT account, value, captured_at FROM balances
		WHERE account = $1
		ORDER BY captured_at DESC, id DESC
		LIMIT $2`, account, pgLimit(limit))
	if err != nil {
		return nil, persistence("pgstore.balance-history", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.BalanceSnapshot, error) {
		return scanBalance(row)
	})
	if err != nil {
		return nil, persistence("pgstore.balance-history", err)
	}
	return out, nil
}

const transactionColumns = `t.identity_hash, t.account, t.operation_id, t.date, t.datetime_raw,
	t.counterparty_name, t.counterparty_tax_id, t.counterparty_kind, t.amount_minor, t.captured_at`

func scanTransaction(row pgx.CollectableRow) (domain.TransactionRecord, error) {
	var (
		rec  domain.TransactionRecord
		kind string
	)
	err := row.Scan(
		&rec.Hash, &rec.Account, &rec.OperationID, &rec.Date, &rec.DateTimeRaw,
		&rec.CounterpartyName, &rec.CounterpartyTaxID, &kind, &rec.AmountMinor, &rec.CapturedAt,
	)
	rec.CounterpartyKind = domain.CounterpartyKind(kind)
	rec.Date = rec.Date.UTC()
	rec.CapturedAt = rec.CapturedAt.UTC()
	return rec, err
}

func (s Store) Transactions(ctx context.Context, account string, since time.Time, limit int) ([]domain.TransactionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+transactionColumns+` FROM transactions t
		WHERE ($1 = '' OR t.account = $1) AND t.date >= $2
		ORDER BY t.date DESC, t.captured_at DESC, t.identity_hash
		LIMIT $3`, account, since, pgLimit(limit))
	if err != nil {
		return nil, persistence("pgstore.transactions", err)
	}
	out, err := pgx.CollectRows(rows, scanTransaction)
	if err != nil {
		return nil, persistence("pgstore.transactions", err)
	}
	return out, nil
}

func (s Store) DuplicateCandidates(ctx context.Context, account string) ([]store.DuplicateGroup, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT account, date, amount_minor, counterparty_tax_id, array_agg(identity_hash ORDER BY identity_hash)
		FROM transactions
		WHERE $1 = '' OR account = $1
		GROUP BY account, date, amount_minor, counterparty_tax_id
		HAVING COUNT(*) > 1
		ORDER BY account, date`, account)
	if err != nil {
		return nil, persistence("pgstore.duplicate-candidates", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.DuplicateGroup, error) {
		var g store.DuplicateGroup
		err := row.Scan(&g.Account, &g.Date, &g.AmountMinor, &g.CounterpartyTaxID, &g.Hashes)
		g.Date = g.Date.UTC()
		return g, err
	})
	if err != nil {
		return nil, persistence("pgstore.duplicate-candidates", err)
	}
	return out, nil
}

func (s Store) PendingHandoffs(ctx context.Context, limit int) ([]domain.TransactionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM handoff_outbox o
		JOIN transactions t ON t.identity_hash = o.identity_hash
		WHERE o.delivered_at IS NULL
		ORDER BY o.created_at, o.identity_hash
		LIMIT $1`, pgLimit(limit))
	if err != nil {
		return nil, persistence("pgstore.pending-handoffs", err)
	}
	out, err := pgx.CollectRows(rows, scanTransaction)
	if err != nil {
		return nil, persistence("pgstore.pending-handoffs", err)
	}
	return out, nil
}

func (s Store) MarkHandedOff(ctx context.Context, hashes []string, at time.Time) error {
	if len(hashes) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE handoff_outbox SET delivered_at = $1
		WHERE identity_hash = ANY($2) AND delivered_at IS NULL`, at, hashes)
	if err != nil {
		return persistence("pgstore.mark-handed-off", err)
	}
	return nil
}

func (s Store) Accounts(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT account FROM balances
		UNION
		SELECT account FROM transactions
		ORDER BY account`)
	if err != nil {
		return nil, persistence("pgstore.accounts", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, persistence("pgstore.accounts", err)
	}
	return out, nil
}
