// Package store persists transactions exactly once per identity hash and
// balances only when they change.
package store

import (
	"context"
	"time"

	"banksync-backend/internal/domain"
)

type UpsertResult struct {
	Inserted int
	Skipped  int
}

// DuplicateGroup is a set of stored transactions of one account that share
// date, amount and counterparty tax id under different identity hashes.
type DuplicateGroup struct {
	Account           string
	Date              time.Time
	AmountMinor       int64
	CounterpartyTaxID string
	Hashes            []string
}

// Store is safe for concurrent use by several account loops. Every error it
// returns is a fault.Persistence.
type Store interface {
	// UpsertTransactions inserts records whose identity hash is new and never
	// modifies an existing one. New records are queued for handoff in the
	// same transaction.
	UpsertTransactions(ctx context.Context, records []domain.TransactionRecord) (UpsertResult, error)
	LatestBalance(ctx context.Context, account string) (domain.BalanceSnapshot, bool, error)
	// RecordBalanceIfChanged writes a snapshot only when value differs from
	// the latest stored one, or none exists, and reports whether it wrote.
	RecordBalanceIfChanged(ctx context.Context, account string, value int64, at time.Time) (bool, error)
	// BalanceHistory returns up to limit snapshots, newest first.
	BalanceHistory(ctx context.Context, account string, limit int) ([]domain.BalanceSnapshot, error)
	// Transactions returns records detected on or after since, newest first.
	// An empty account lists every account.
	Transactions(ctx context.Context, account string, since time.Time, limit int) ([]domain.TransactionRecord, error)
	// DuplicateCandidates audits one account, or every account when account
	// is empty.
	DuplicateCandidates(ctx context.Context, account string) ([]DuplicateGroup, error)
	// PendingHandoffs returns up to limit records not yet delivered downstream.
	PendingHandoffs(ctx context.Context, limit int) ([]domain.TransactionRecord, error)
	MarkHandedOff(ctx context.Context, hashes []string, at time.Time) error
	Accounts(ctx context.Context) ([]string, error)
	Close() error
}
