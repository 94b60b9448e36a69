// Package sqlstore is the store.Store backed by sqlite or libsql.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"banksync-backend/internal/db"
	"banksync-backend/internal/domain"
	"banksync-backend/internal/fault"
	"banksync-backend/internal/store"
)

type Store struct {
	database *sql.DB
	qry      *db.Queries
	makeTx   db.MakeTx
}

var _ store.Store = Store{}

// Open opens and migrates the database at dsn, see db.Open.
func Open(dsn string) (Store, error) {
	database, err := db.Open(dsn)
	if err != nil {
		return Store{}, fault.New(fault.Persistence, "sqlstore.open", err)
	}
	if err := db.Migrate(database); err != nil {
		database.Close()
		return Store{}, fault.New(fault.Persistence, "sqlstore.open", err)
	}
	return New(database), nil
}

// New wraps an already migrated database.
func New(database *sql.DB) Store {
	return Store{
		database: database,
		qry:      db.New(database),
		makeTx:   db.NewMakeTx(database),
	}
}

func (s Store) DB() *sql.DB {
	return s.database
}

func (s Store) Close() error {
	return s.database.Close()
}

func persistence(op string, err error) error {
	return fault.New(fault.Persistence, op, err)
}

func (s Store) UpsertTransactions(ctx context.Context, records []domain.TransactionRecord) (store.UpsertResult, error) {
	var result store.UpsertResult
	if len(records) == 0 {
		return result, nil
	}

	txqry, discard, commit, err := s.makeTx(ctx)
	if err != nil {
		return result, persistence("sqlstore.upsert-transactions", err)
	}
	defer discard()

	for _, rec := range records {
		inserted, err := txqry.InsertTransaction(ctx, toRow(rec))
		if err != nil {
			return store.UpsertResult{}, persistence("sqlstore.upsert-transactions", fmt.Errorf("insert %s: %w", rec.Hash, err))
		}
		if inserted == 0 {
			result.Skipped++
			continue
		}
		result.Inserted++
		if err := txqry.InsertOutbox(ctx, rec.Hash, rec.CapturedAt.UnixMilli()); err != nil {
			return store.UpsertResult{}, persistence("sqlstore.upsert-transactions", fmt.Errorf("queue %s: %w", rec.Hash, err))
		}
	}

	if err := commit(); err != nil {
		return store.UpsertResult{}, persistence("sqlstore.upsert-transactions", err)
	}
	return result, nil
}

func (s Store) LatestBalance(ctx context.Context, account string) (domain.BalanceSnapshot, bool, error) {
	row, err := s.qry.LatestBalance(ctx, account)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BalanceSnapshot{}, false, nil
	}
	if err != nil {
		return domain.BalanceSnapshot{}, false, persistence("sqlstore.latest-balance", err)
	}
	return fromBalance(row), true, nil
}

func (s Store) RecordBalanceIfChanged(ctx context.Context, account string, value int64, at time.Time) (bool, error) {
	txqry, discard, commit, err := s.makeTx(ctx)
	if err != nil {
		return false, persistence("sqlstore.record-balance", err)
	}
	defer discard()

	latest, err := txqry.LatestBalance(ctx, account)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return false, persistence("sqlstore.record-balance", err)
	case latest.Value == value:
		return false, nil
	}

	err = txqry.InsertBalance(ctx, db.InsertBalanceParams{
		Account:    account,
		Value:      value,
		CapturedAt: at.UnixMilli(),
	})
	if err != nil {
		return false, persistence("sqlstore.record-balance", err)
	}
	if err := commit(); err != nil {
		return false, persistence("sqlstore.record-balance", err)
	}
	return true, nil
}

func (s Store) BalanceHistory(ctx context.Context, account string, limit int) ([]domain.BalanceSnapshot, error) {
	rows, err := s.qry.BalanceHistory(ctx, account, sqlLimit(limit))
	if err != nil {
		return nil, persistence("sqlstore.balance-history", err)
	}
	out := make([]domain.BalanceSnapshot, len(rows))
	for i, r := range rows {
		out[i] = fromBalance(r)
	}
	return out, nil
}

func (s Store) Transactions(ctx context.Context, account string, since time.Time, limit int) ([]domain.TransactionRecord, error) {
	sinceDate := ""
	if !since.IsZero() {
		sinceDate = since.Format(time.DateOnly)
	}
	rows, err := s.qry.ListTransactions(ctx, db.ListTransactionsParams{
		Account: account,
		Since:   sinceDate,
		Limit:   sqlLimit(limit),
	})
	if err != nil {
		return nil, persistence("sqlstore.transactions", err)
	}
	return fromRows(rows)
}

func (s Store) DuplicateCandidates(ctx context.Context, account string) ([]store.DuplicateGroup, error) {
	rows, err := s.qry.DuplicateCandidates(ctx, account)
	if err != nil {
		return nil, persistence("sqlstore.duplicate-candidates", err)
	}
	out := make([]store.DuplicateGroup, 0, len(rows))
	for _, r := range rows {
		date, err := time.Parse(time.DateOnly, r.Date)
		if err != nil {
			return nil, persistence("sqlstore.duplicate-candidates", err)
		}
		out = append(out, store.DuplicateGroup{
			Account:           r.Account,
			Date:              date,
			AmountMinor:       r.AmountMinor,
			CounterpartyTaxID: r.CounterpartyTaxID,
			Hashes:            strings.Split(r.Hashes, ","),
		})
	}
	return out, nil
}

func (s Store) PendingHandoffs(ctx context.Context, limit int) ([]domain.TransactionRecord, error) {
	rows, err := s.qry.PendingHandoffs(ctx, sqlLimit(limit))
	if err != nil {
		return nil, persistence("sqlstore.pending-handoffs", err)
	}
	return fromRows(rows)
}

func (s Store) MarkHandedOff(ctx context.Context, hashes []string, at time.Time) error {
	if len(hashes) == 0 {
		return nil
	}
	txqry, discard, commit, err := s.makeTx(ctx)
	if err != nil {
		return persistence("sqlstore.mark-handed-off", err)
	}
	defer discard()
	for _, h := range hashes {
		if err := txqry.MarkHandedOff(ctx, at.UnixMilli(), h); err != nil {
			return persistence("sqlstore.mark-handed-off", err)
		}
	}
	if err := commit(); err != nil {
		return persistence("sqlstore.mark-handed-off", err)
	}
	return nil
}

func (s Store) Accounts(ctx context.Context) ([]string, error) {
	accounts, err := s.qry.ListAccounts(ctx)
	if err != nil {
		return nil, persistence("sqlstore.accounts", err)
	}
	return accounts, nil
}

// sqlite treats a negative LIMIT as no limit.
func sqlLimit(limit int) int64 {
	if limit <= 0 {
		return -1
	}
	return int64(limit)
}

func toRow(rec domain.TransactionRecord) db.InsertTransactionParams {
	return db.InsertTransactionParams{
		IdentityHash:      rec.Hash,
		Account:           rec.Account,
		OperationID:       rec.OperationID,
		Date:              rec.ISODate(),
		DatetimeRaw:       rec.DateTimeRaw,
		CounterpartyName:  rec.CounterpartyName,
		CounterpartyTaxID: rec.CounterpartyTaxID,
		CounterpartyKind:  string(rec.CounterpartyKind),
		AmountMinor:       rec.AmountMinor,
		CapturedAt:        rec.CapturedAt.UnixMilli(),
	}
}

func fromRows(rows []db.Transaction) ([]domain.TransactionRecord, error) {
	out := make([]domain.TransactionRecord, 0, len(rows))
	for _, r := range rows {
		date, err := time.Parse(time.DateOnly, r.Date)
		if err != nil {
			return nil, persistence("sqlstore.scan", fmt.Errorf("transaction %s: %w", r.IdentityHash, err))
		}
		out = append(out, domain.TransactionRecord{
			OperationID:       r.OperationID,
			Date:              date,
			DateTimeRaw:       r.DatetimeRaw,
			CounterpartyName:  r.CounterpartyName,
			CounterpartyTaxID: r.CounterpartyTaxID,
			CounterpartyKind:  domain.CounterpartyKind(r.CounterpartyKind),
			AmountMinor:       r.AmountMinor,
			Account:           r.Account,
			CapturedAt:        time.UnixMilli(r.CapturedAt).UTC(),
			Hash:              r.IdentityHash,
		})
	}
	return out, nil
}

func fromBalance(r db.Balance) domain.BalanceSnapshot {
	return domain.BalanceSnapshot{
		Account:    r.Account,
		Value:      r.Value,
		CapturedAt: time.UnixMilli(r.CapturedAt).UTC(),
	}
}
