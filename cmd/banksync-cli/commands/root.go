package commands

import (
	"context"
	"fmt"
	"os"

	"banksync-backend/internal/configutil"
	"banksync-backend/internal/domain"
	"banksync-backend/internal/store"
	"banksync-backend/internal/store/storeutil"

	"github.com/spf13/cobra"
)

const globalsKey = "banksync-cli.ctx"

type accountInfo struct {
	Institution string `json:"institution"`
	ID          string `json:"id"`
	Label       string `json:"label"`
	MinorDigits int    `json:"minor_digits"`
}

type cliConfig struct {
	Store    storeutil.Config `json:"store"`
	Accounts []accountInfo    `json:"accounts"`
	Handoff  struct {
		AmqpURL  string `json:"amqp_url"`
		Exchange string `json:"exchange"`
	} `json:"handoff"`
}

// globals is what every subcommand receives through its context.
type globals struct {
	Store  store.Store
	Config cliConfig
	// Accounts is keyed by the account key used in the store.
	Accounts map[string]domain.Account
}

func getGlobals(ctx context.Context) *globals {
	return ctx.Value(globalsKey).(*globals)
}

// digits returns the currency digits configured for account, 0 when unknown.
func (g *globals) digits(account string) int {
	return g.Accounts[account].MinorDigits
}

func (g *globals) institution(account string) string {
	if acc, ok := g.Accounts[account]; ok {
		return acc.Institution
	}
	return "-"
}

var (
	configPath  string
	storeDriver string
	storeDSN    string
)

var rootCmd = &cobra.Command{
	Use:           "banksync-cli",
	Short:         "banksync-cli inspects the transactions and balances synchronized by banksyncd.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		value, err := loadGlobals(cmd.Context())
		if err != nil {
			return err
		}
		cmd.SetContext(context.WithValue(cmd.Context(), globalsKey, value))
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return getGlobals(cmd.Context()).Store.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "banksync.json5", "banksyncd configuration file")
	rootCmd.PersistentFlags().StringVar(&storeDriver, "driver", "", "store driver, overrides the configuration (sqlite or postgres)")
	rootCmd.PersistentFlags().StringVar(&storeDSN, "dsn", "", "store dsn, overrides the configuration")
}

// loadGlobals reads the configuration file unless --dsn names the store
// directly, in which case a missing configuration is not an error.
func loadGlobals(ctx context.Context) (*globals, error) {
	cfg, err := configutil.ReadConfig[cliConfig](configPath)
	if err != nil && storeDSN == "" {
		return nil, err
	}
	if storeDSN != "" {
		cfg.Store.DSN = storeDSN
	}
	if storeDriver != "" {
		cfg.Store.Driver = storeDriver
	}

	st, err := storeutil.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	accounts := make(map[string]domain.Account, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		acc := domain.Account{
			Institution: a.Institution,
			ID:          a.ID,
			Label:       a.Label,
			MinorDigits: a.MinorDigits,
		}
		accounts[acc.Key()] = acc
	}
	return &globals{Store: st, Config: cfg, Accounts: accounts}, nil
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
