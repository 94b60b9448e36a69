package db

import (
	"context"
	"database/sql"
)

type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	PrepareContext(context.Context, string) (*sql.Stmt, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

type Transaction struct {
	IdentityHash      string
	Account           string
	OperationID       string
	Date              string
	DatetimeRaw       string
	CounterpartyName  string
	CounterpartyTaxID string
	CounterpartyKind  string
	AmountMinor       int64
	CapturedAt        int64
}

type Balance struct {
	ID         int64
	Account    string
	Value      int64
	CapturedAt int64
}

const transactionColumns = `identity_hash, account, operation_id, date, datetime_raw,
    counterparty_name, counterparty_tax_id, counterparty_kind, amount_minor, captured_at`

func scanTransaction(row interface{ Scan(...any) error }) (Transaction, error) {
	var i Transaction
	err := row.Scan(
		&i.IdentityHash,
		&i.Account,
		&i.OperationID,
		&i.Date,
		&i.DatetimeRaw,
		&i.CounterpartyName,
		&i.CounterpartyTaxID,
		&i.CounterpartyKind,
		&i.AmountMinor,
		&i.CapturedAt,
	)
	return i, err
}

func collectTransactions(rows *sql.Rows) ([]Transaction, error) {
	defer rows.Close()
	var items []Transaction
	for rows.Next() {
		i, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const insertTransaction = `-- name: InsertTransaction :execrows
INSERT INTO transactions (` + transactionColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (identity_hash) DO NOTHING
`

type InsertTransactionParams = Transaction

func (q *Queries) InsertTransaction(ctx context.Context, arg InsertTransactionParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, insertTransaction,
		arg.IdentityHash,
		arg.Account,
		arg.OperationID,
		arg.Date,
		arg.DatetimeRaw,
		arg.CounterpartyName,
		arg.CounterpartyTaxID,
		arg.CounterpartyKind,
		arg.AmountMinor,
		arg.CapturedAt,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const insertOutbox = `-- name: InsertOutbox :exec
INSERT INTO handoff_outbox (identity_hash, created_at)
VALUES (?, ?)
ON CONFLICT (identity_hash) DO NOTHING
`

func (q *Queries) InsertOutbox(ctx context.Context, identityHash string, createdAt int64) error {
	_, err := q.db.ExecContext(ctx, insertOutbox, identityHash, createdAt)
	return err
}

const listTransactions = `-- name: ListTransactions :many
SELECT ` + transactionColumns + `
FROM transactions
WHERE (?1 = '' OR account = ?1) AND date >= ?2
ORDER BY date DESC, captured_at DESC, identity_hash
LIMIT ?3
`

type ListTransactionsParams struct {
	Account string
	Since   string
	Limit   int64
}

func (q *Queries) ListTransactions(ctx context.Context, arg ListTransactionsParams) ([]Transaction, error) {
	rows, err := q.db.QueryContext(ctx, listTransactions, arg.Account, arg.Since, arg.Limit)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

const duplicateCandidates = `-- name: DuplicateCandidates :many
SELECT account, date, amount_minor, counterparty_tax_id, GROUP_CONCAT(identity_hash, ',')
FROM transactions
WHERE ?1 = '' OR account = ?1
GROUP BY account, date, amount_minor, counterparty_tax_id
HAVING COUNT(*) > 1
ORDER BY account, date
`

type DuplicateCandidatesRow struct {
	Account           string
	Date              string
	AmountMinor       int64
	CounterpartyTaxID string
	Hashes            string
}

func (q *Queries) DuplicateCandidates(ctx context.Context, account string) ([]DuplicateCandidatesRow, error) {
	rows, err := q.db.QueryContext(ctx, duplicateCandidates, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []DuplicateCandidatesRow
	for rows.Next() {
		var i DuplicateCandidatesRow
		if err := rows.Scan(&i.Account, &i.Date, &i.AmountMinor, &i.CounterpartyTaxID, &i.Hashes); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const pendingHandoffs = `-- name: PendingHandoffs :many
SELECT t.identity_hash, t.account, t.operation_id, t.date, t.datetime_raw,
    t.counterparty_name, t.counterparty_tax_id, t.counterparty_kind, t.amount_minor, t.captured_at
FROM handoff_outbox o
JOIN transactions t ON t.identity_hash = o.identity_hash
WHERE o.delivered_at IS NULL
ORDER BY o.created_at, o.identity_hash
LIMIT ?
`

func (q *Queries) PendingHandoffs(ctx context.Context, limit int64) ([]Transaction, error) {
	rows, err := q.db.QueryContext(ctx, pendingHandoffs, limit)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

const markHandedOff = `-- name: MarkHandedOff :exec
UPDATE handoff_outbox SET delivered_at = ? WHERE identity_hash = ? AND delivered_at IS NULL
`

func (q *Queries) MarkHandedOff(ctx context.Context, deliveredAt int64, identityHash string) error {
	_, err := q.db.ExecContext(ctx, markHandedOff, deliveredAt, identityHash)
	return err
}

const latestBalance = `-- name: LatestBalance :one
SELECT id, account, value, captured_at FROM balances
WHERE account = ?
ORDER BY captured_at DESC, id DESC
LIMIT 1
`

func (q *Queries) LatestBalance(ctx context.Context, account string) (Balance, error) {
	row := q.db.QueryRowContext(ctx, latestBalance, account)
	var i Balance
	err := row.Scan(&i.ID, &i.Account, &i.Value, &i.CapturedAt)
	return i, err
}

const insertBalance = `-- name: InsertBalance :exec
INSERT INTO balances (account, value, captured_at) VALUES (?, ?, ?)
`

type InsertBalanceParams struct {
	Account    string
	Value      int64
	CapturedAt int64
}

func (q *Queries) InsertBalance(ctx context.Context, arg InsertBalanceParams) error {
	_, err := q.db.ExecContext(ctx, insertBalance, arg.Account, arg.Value, arg.CapturedAt)
	return err
}

const balanceHistory = `-- name: BalanceHistory :many
SELECT id, account, value, captured_at FROM balances
WHERE account = ?
ORDER BY captured_at DESC, id DESC
LIMIT ?
`

func (q *Queries) BalanceHistory(ctx context.Context, account string, limit int64) ([]Balance, error) {
	rows, err := q.db.QueryContext(ctx, balanceHistory, account, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Balance
	for rows.Next() {
		var i Balance
		if err := rows.Scan(&i.ID, &i.Account, &i.Value, &i.CapturedAt); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const listAccounts = `-- name: ListAccounts :many
SELECT account FROM balances
UNION
SELECT account FROM transactions
ORDER BY account
`

func (q *Queries) ListAccounts(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, listAccounts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []string
	for rows.Next() {
		var account string
		if err := rows.Scan(&account); err != nil {
			return nil, err
		}
		items = append(items, account)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
