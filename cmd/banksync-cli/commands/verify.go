package commands

import (
	"fmt"
	"strings"

	"banksync-backend/internal/domain"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	verifyAccount string
	verifyStrict  bool
)

func init() {
	verifyCmd.Flags().StringVarP(&verifyAccount, "account", "a", "", "only audit this account")
	verifyCmd.Flags().BoolVar(&verifyStrict, "strict", false, "exit with an error when candidates are found")
	rootCmd.AddCommand(verifyCmd)
}

// verifyCmd lists transactions sharing date, amount and counterparty under
// different identity hashes, which usually means the bank changed how it
// renders a row between two scrapes.
var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Audit stored transactions for likely duplicates.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		g := getGlobals(ctx)

		groups, err := g.Store.DuplicateCandidates(ctx, verifyAccount)
		if err != nil {
			return err
		}
		if len(groups) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no duplicate candidates found")
			return nil
		}

		t := newTable(cmd.OutOrStdout())
		t.AppendHeader(table.Row{"Account", "Date", "Amount", "Tax id", "Hashes"})
		for _, group := range groups {
			hashes := make([]string, len(group.Hashes))
			for i, h := range group.Hashes {
				hashes[i] = shortHash(h)
			}
			t.AppendRow(table.Row{
				group.Account,
				group.Date.Format("2006-01-02"),
				domain.FormatMinor(group.AmountMinor, g.digits(group.Account)),
				group.CounterpartyTaxID,
				strings.Join(hashes, "\n"),
			})
		}
		t.Render()

		if verifyStrict {
			return fmt.Errorf("found %d duplicate candidate group(s)", len(groups))
		}
		return nil
	},
}
