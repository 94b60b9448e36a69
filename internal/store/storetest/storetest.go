// Package storetest is a behavioural suite every store.Store must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"banksync-backend/internal/domain"
	"banksync-backend/internal/normalize"
	"banksync-backend/internal/store"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// Record builds a normalized-looking record for account with a hash derived
// from its fields.
func Record(account, opID string, day int, amount int64, taxID string) domain.TransactionRecord {
	raw := fmt.Sprintf("%02d/03/2024 10:00", day)
	rec := domain.TransactionRecord{
		OperationID:       opID,
		Date:              time.Date(2024, 3, day, 0, 0, 0, 0, time.UTC),
		DateTimeRaw:       raw,
		CounterpartyName:  "Comercial Andes SpA",
		CounterpartyTaxID: taxID,
		CounterpartyKind:  normalize.ClassifyCounterparty(taxID),
		AmountMinor:       amount,
		Account:           account,
		CapturedAt:        time.Date(2024, 3, day, 12, 0, 0, 0, time.UTC),
	}
	rec.Hash = normalize.IdentityHash(opID, raw, amount, taxID, rec.CounterpartyName, account)
	return rec
}

// Run runs the suite, newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("UpsertIsIdempotent", func(t *testing.T) { testUpsertIdempotent(t, newStore(t)) })
	t.Run("UpsertNeverOverwrites", func(t *testing.T) { testUpsertNeverOverwrites(t, newStore(t)) })
	t.Run("BalanceDedup", func(t *testing.T) { testBalanceDedup(t, newStore(t)) })
	t.Run("Transactions", func(t *testing.T) { testTransactions(t, newStore(t)) })
	t.Run("DuplicateCandidates", func(t *testing.T) { testDuplicateCandidates(t, newStore(t)) })
	t.Run("Handoff", func(t *testing.T) { testHandoff(t, newStore(t)) })
	t.Run("ConcurrentWriters", func(t *testing.T) { testConcurrentWriters(t, newStore(t)) })
}

func testUpsertIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	batch := []domain.TransactionRecord{
		Record("bci", "1", 1, 1000, "76.123.456-7"),
		Record("bci", "2", 1, 2000, "12.345.678-5"),
		Record("bci", "3", 2, 3000, "12.345.678-5"),
	}

	res, err := s.UpsertTransactions(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, store.UpsertResult{Inserted: 3}, res)

	res, err = s.UpsertTransactions(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, store.UpsertResult{Skipped: 3}, res)

	stored, err := s.Transactions(ctx, "bci", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, stored, 3)

	res, err = s.UpsertTransactions(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, store.UpsertResult{}, res)
}

func testUpsertNeverOverwrites(t *testing.T, s store.Store) {
	ctx := context.Background()
	original := Record("bci", "1", 1, 1000, "76.123.456-7")
	_, err := s.UpsertTransactions(ctx, []domain.TransactionRecord{original})
	require.NoError(t, err)

	changed := original
	changed.CounterpartyName = "Someone Else"
	changed.CapturedAt = original.CapturedAt.Add(time.Hour)
	res, err := s.UpsertTransactions(ctx, []domain.TransactionRecord{changed})
	require.NoError(t, err)
	require.Equal(t, 1, res.Skipped)

	stored, err := s.Transactions(ctx, "bci", time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	if diff := cmp.Diff(original, stored[0]); diff != "" {
		t.Fatalf("stored record changed (-want +got):\n%s", diff)
	}
}

func testBalanceDedup(t *testing.T, s store.Store) {
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	_, ok, err := s.LatestBalance(ctx, "A")
	require.NoError(t, err)
	require.False(t, ok)

	wrote, err := s.RecordBalanceIfChanged(ctx, "A", 100000, at)
	require.NoError(t, err)
	require.True(t, wrote)

	wrote, err = s.RecordBalanceIfChanged(ctx, "A", 100000, at.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, wrote)

	history, err := s.BalanceHistory(ctx, "A", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)

	wrote, err = s.RecordBalanceIfChanged(ctx, "A", 100050, at.Add(2*time.Minute))
	require.NoError(t, err)
	require.True(t, wrote)

	history, err = s.BalanceHistory(ctx, "A", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.EqualValues(t, 100050, history[0].Value)
	require.EqualValues(t, 100000, history[1].Value)

	latest, ok, err := s.LatestBalance(ctx, "A")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 100050, latest.Value)
	require.True(t, at.Add(2*time.Minute).Equal(latest.CapturedAt))

	// another account is independent
	wrote, err = s.RecordBalanceIfChanged(ctx, "B", 100050, at)
	require.NoError(t, err)
	require.True(t, wrote)

	accounts, err := s.Accounts(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, accounts)
}

func testTransactions(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.UpsertTransactions(ctx, []domain.TransactionRecord{
		Record("bci", "1", 1, 1000, "1-9"),
		Record("bci", "2", 5, 2000, "1-9"),
		Record("santander", "3", 6, 3000, "1-9"),
	})
	require.NoError(t, err)

	recent, err := s.Transactions(ctx, "bci", time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC), 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "2", recent[0].OperationID)

	all, err := s.Transactions(ctx, "", time.Time{}, 2)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "santander", all[0].Account)
}

func testDuplicateCandidates(t *testing.T, s store.Store) {
	ctx := context.Background()
	// same day, amount and tax id but different operation ids
	a := Record("bci", "10", 3, 5000, "76.123.456-7")
	b := Record("bci", "11", 3, 5000, "76.123.456-7")
	c := Record("bci", "12", 4, 5000, "76.123.456-7")
	_, err := s.UpsertTransactions(ctx, []domain.TransactionRecord{a, b, c})
	require.NoError(t, err)

	groups, err := s.DuplicateCandidates(ctx, "bci")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.EqualValues(t, 5000, groups[0].AmountMinor)
	require.Equal(t, "bci", groups[0].Account)
	require.ElementsMatch(t, []string{a.Hash, b.Hash}, groups[0].Hashes)

	other := Record("santander", "10", 3, 5000, "76.123.456-7")
	again := Record("santander", "11", 3, 5000, "76.123.456-7")
	_, err = s.UpsertTransactions(ctx, []domain.TransactionRecord{other, again})
	require.NoError(t, err)

	groups, err = s.DuplicateCandidates(ctx, "bci")
	require.NoError(t, err)
	require.Len(t, groups, 1)

	groups, err = s.DuplicateCandidates(ctx, "")
	require.NoError(t, err)
	require.Len(t, groups, 2)
	require.Equal(t, "santander", groups[1].Account)
}

func testHandoff(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := Record("bci", "1", 1, 1000, "1-9")
	b := Record("bci", "2", 2, 2000, "1-9")
	_, err := s.UpsertTransactions(ctx, []domain.TransactionRecord{a, b})
	require.NoError(t, err)

	pending, err := s.PendingHandoffs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, a.Hash, pending[0].Hash)

	require.NoError(t, s.MarkHandedOff(ctx, []string{a.Hash}, time.Now()))
	pending, err = s.PendingHandoffs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, b.Hash, pending[0].Hash)

	// re-ingesting delivered records does not queue them again
	_, err = s.UpsertTransactions(ctx, []domain.TransactionRecord{a})
	require.NoError(t, err)
	pending, err = s.PendingHandoffs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func testConcurrentWriters(t *testing.T, s store.Store) {
	ctx := context.Background()
	batch := make([]domain.TransactionRecord, 20)
	for i := range batch {
		batch[i] = Record("bci", fmt.Sprint(i), 1+i%20, int64(1000+i), "1-9")
	}

	var wg sync.WaitGroup
	results := make([]store.UpsertResult, 4)
	errs := make([]error, 4)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			results[w], errs[w] = s.UpsertTransactions(ctx, batch)
		}(w)
	}
	wg.Wait()

	inserted := 0
	for w := range results {
		require.NoError(t, errs[w])
		require.Equal(t, len(batch), results[w].Inserted+results[w].Skipped)
		inserted += results[w].Inserted
	}
	require.Equal(t, len(batch), inserted)
}
