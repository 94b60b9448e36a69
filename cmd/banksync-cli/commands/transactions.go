package commands

import (
	"fmt"
	"time"

	"banksync-backend/internal/domain"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	txAccount string
	txSince   string
	txLimit   int
)

func init() {
	transactionsCmd.Flags().StringVarP(&txAccount, "account", "a", "", "only list this account")
	transactionsCmd.Flags().StringVar(&txSince, "since", "", "only list transactions detected on or after this date (YYYY-MM-DD or RFC 3339)")
	transactionsCmd.Flags().IntVarP(&txLimit, "limit", "n", 50, "maximum number of transactions to list")
	rootCmd.AddCommand(transactionsCmd)
}

func parseSince(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: %w", raw, err)
	}
	return t, nil
}

var transactionsCmd = &cobra.Command{
	Use:   "transactions",
	Short: "List stored transactions, newest first.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		g := getGlobals(ctx)

		since, err := parseSince(txSince)
		if err != nil {
			return err
		}
		records, err := g.Store.Transactions(ctx, txAccount, since, txLimit)
		if err != nil {
			return err
		}

		t := newTable(cmd.OutOrStdout())
		t.AppendHeader(table.Row{"Date", "Account", "Counterparty", "Tax id", "Kind", "Amount", "Hash"})
		for _, r := range records {
			t.AppendRow(table.Row{
				r.ISODate(),
				r.Account,
				r.CounterpartyName,
				r.CounterpartyTaxID,
				r.CounterpartyKind,
				domain.FormatMinor(r.AmountMinor, g.digits(r.Account)),
				shortHash(r.Hash),
			})
		}
		t.AppendFooter(table.Row{"", "", "", "", "", "count", len(records)})
		t.Render()
		return nil
	},
}
