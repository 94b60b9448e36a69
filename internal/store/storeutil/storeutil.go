// Package storeutil opens the configured store implementation.
package storeutil

import (
	"context"

	"banksync-backend/internal/fault"
	"banksync-backend/internal/store"
	"banksync-backend/internal/store/pgstore"
	"banksync-backend/internal/store/sqlstore"
)

type Config struct {
	// Driver is "sqlite" (the default, also used for libsql urls) or
	// "postgres".
	Driver   string `json:"driver"`
	DSN      string `json:"dsn"`
	MaxConns int32  `json:"max_conns"`
}

func (c Config) Validate() error {
	switch c.Driver {
	case "", "sqlite", "postgres":
	default:
		return fault.Newf(fault.Config, "store.config", "unknown store driver %q", c.Driver)
	}
	if c.DSN == "" {
		return fault.Newf(fault.Config, "store.config", "store dsn is required")
	}
	return nil
}

func Open(ctx context.Context, cfg Config) (store.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Driver == "postgres" {
		return pgstore.Open(ctx, pgstore.Config{URL: cfg.DSN, MaxConns: cfg.MaxConns})
	}
	return sqlstore.Open(cfg.DSN)
}
