package commands

import (
	"fmt"

	"banksync-backend/internal/chrono"
	"banksync-backend/internal/handoff"
	"banksync-backend/internal/telemetry"

	"github.com/spf13/cobra"
)

var (
	handoffURL      string
	handoffExchange string
	handoffBatch    int
)

func init() {
	handoffCmd.Flags().StringVar(&handoffURL, "amqp-url", "", "broker url, defaults to handoff.amqp_url of the configuration")
	handoffCmd.Flags().StringVar(&handoffExchange, "exchange", "", "exchange name, defaults to handoff.exchange of the configuration")
	handoffCmd.Flags().IntVar(&handoffBatch, "batch", handoff.DefaultBatch, "records published per batch")
	rootCmd.AddCommand(handoffCmd)
}

var handoffCmd = &cobra.Command{
	Use:   "handoff",
	Short: "Publish every transaction still pending handoff and exit.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		g := getGlobals(ctx)

		url := handoffURL
		if url == "" {
			url = g.Config.Handoff.AmqpURL
		}
		exchange := handoffExchange
		if exchange == "" {
			exchange = g.Config.Handoff.Exchange
		}
		if url == "" {
			return fmt.Errorf("no broker url, pass --amqp-url or set handoff.amqp_url")
		}

		publisher, err := handoff.DialAmqp(url, exchange)
		if err != nil {
			return err
		}
		defer publisher.Close()

		relay := handoff.NewRelay(g.Store, publisher, chrono.NewStandardTime(), telemetry.SlogAPI{}, handoffBatch)
		n, err := relay.Flush(ctx)
		fmt.Fprintf(cmd.OutOrStdout(), "published %d transaction(s)\n", n)
		return err
	},
}
