package commands

import (
	"sort"

	"banksync-backend/internal/domain"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var historyDepth int

func init() {
	balancesCmd.Flags().IntVarP(&historyDepth, "history", "n", 0, "also list the last n balance changes of each account")
	rootCmd.AddCommand(balancesCmd)
}

var balancesCmd = &cobra.Command{
	Use:   "balances [account...]",
	Short: "Show the latest balance of each account and a per-institution summary.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		g := getGlobals(ctx)

		accounts := args
		if len(accounts) == 0 {
			stored, err := g.Store.Accounts(ctx)
			if err != nil {
				return err
			}
			accounts = stored
		}

		type total struct {
			accounts int
			value    int64
			digits   int
		}
		totals := map[string]*total{}

		latest := newTable(cmd.OutOrStdout())
		latest.AppendHeader(table.Row{"Institution", "Account", "Balance", "Captured at"})
		for _, account := range accounts {
			snap, ok, err := g.Store.LatestBalance(ctx, account)
			if err != nil {
				return err
			}
			institution := g.institution(account)
			if !ok {
				latest.AppendRow(table.Row{institution, account, "-", "-"})
				continue
			}
			digits := g.digits(account)
			latest.AppendRow(table.Row{
				institution,
				account,
				domain.FormatMinor(snap.Value, digits),
				formatTime(snap.CapturedAt),
			})

			t, ok := totals[institution]
			if !ok {
				t = &total{digits: digits}
				totals[institution] = t
			}
			t.accounts++
			t.value += snap.Value
		}
		latest.Render()

		institutions := make([]string, 0, len(totals))
		for name := range totals {
			institutions = append(institutions, name)
		}
		sort.Strings(institutions)

		summary := newTable(cmd.OutOrStdout())
		summary.AppendHeader(table.Row{"Institution", "Accounts", "Total"})
		for _, name := range institutions {
			t := totals[name]
			summary.AppendRow(table.Row{name, t.accounts, domain.FormatMinor(t.value, t.digits)})
		}
		summary.Render()

		if historyDepth <= 0 {
			return nil
		}
		for _, account := range accounts {
			history, err := g.Store.BalanceHistory(ctx, account, historyDepth)
			if err != nil {
				return err
			}
			t := newTable(cmd.OutOrStdout())
			t.SetTitle(account)
			t.AppendHeader(table.Row{"Captured at", "Balance"})
			for _, snap := range history {
				t.AppendRow(table.Row{formatTime(snap.CapturedAt), domain.FormatMinor(snap.Value, g.digits(account))})
			}
			t.Render()
		}
		return nil
	},
}
