package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"banksync-backend/internal/alert"
	"banksync-backend/internal/configutil"
	"banksync-backend/internal/domain"
	"banksync-backend/internal/fault"
	"banksync-backend/internal/normalize"
	"banksync-backend/internal/script"
	"banksync-backend/internal/session"
	"banksync-backend/internal/store/storeutil"
	"banksync-backend/internal/telemetry"
)

type DriverConfig struct {
	UserAgent         string              `json:"user_agent"`
	RequestTimeout    configutil.Duration `json:"request_timeout"`
	RequestsPerSecond float64             `json:"requests_per_second"`
	MinDelay          configutil.Duration `json:"min_delay"`
	MaxDelay          configutil.Duration `json:"max_delay"`
	PollInterval      configutil.Duration `json:"poll_interval"`
	ArtifactRoot      string              `json:"artifact_root"`
	CloudflareBypass  bool                `json:"cloudflare_bypass"`
	// DumpDir only takes effect with -v.
	DumpDir string `json:"dump_dir"`
}

type LayoutConfig struct {
	// Column indexes, -1 marks a column the portal does not render.
	OperationID       int      `json:"operation_id"`
	DateTime          int      `json:"datetime"`
	CounterpartyName  int      `json:"counterparty_name"`
	CounterpartyTaxID int      `json:"counterparty_tax_id"`
	Amount            int      `json:"amount"`
	HeaderLabels      []string `json:"header_labels"`
}

func (l LayoutConfig) Layout() normalize.Layout {
	return normalize.Layout{
		OperationID:       l.OperationID,
		DateTime:          l.DateTime,
		CounterpartyName:  l.CounterpartyName,
		CounterpartyTaxID: l.CounterpartyTaxID,
		Amount:            l.Amount,
		HeaderLabels:      l.HeaderLabels,
	}
}

type AccountConfig struct {
	Institution string               `json:"institution"`
	ID          string               `json:"id"`
	Holder      string               `json:"holder"`
	Label       string               `json:"label"`
	Separator   domain.SeparatorRule `json:"separator"`
	MinorDigits int                  `json:"minor_digits"`

	// Username and Password accept "env:NAME" to read from the environment.
	Username string `json:"username"`
	Password string `json:"password"`

	// Script names an entry of Config.Scripts, or a <name>.json5 file in
	// Config.ScriptDir.
	Script string       `json:"script"`
	Layout LayoutConfig `json:"layout"`

	TableSelector string              `json:"table_selector"`
	NextControl   string              `json:"next_control"`
	PageTimeout   configutil.Duration `json:"page_timeout"`
	MaxPages      int                 `json:"max_pages"`
	PollInterval  configutil.Duration `json:"poll_interval"`
	Disabled      bool                `json:"disabled"`
}

func (a AccountConfig) Account() domain.Account {
	return domain.Account{
		Institution: a.Institution,
		ID:          a.ID,
		Holder:      a.Holder,
		Label:       a.Label,
		Separator:   a.Separator,
		MinorDigits: a.MinorDigits,
	}
}

func (a AccountConfig) Credentials() (session.Credentials, error) {
	username, err := configutil.Secret(a.Username)
	if err != nil {
		return session.Credentials{}, err
	}
	password, err := configutil.Secret(a.Password)
	if err != nil {
		return session.Credentials{}, err
	}
	return session.Credentials{Username: username, Password: password}, nil
}

type SupervisorConfig struct {
	PollInterval   configutil.Duration   `json:"poll_interval"`
	Backoff        []configutil.Duration `json:"backoff"`
	MaxRestarts    int                   `json:"max_restarts"`
	DefenseCeiling int                   `json:"defense_ceiling"`
	MinAvailableMB uint64                `json:"min_available_mb"`
	// GateRetry is how long a cycle held back by the memory gate waits
	// before asking again.
	GateRetry configutil.Duration `json:"gate_retry"`
}

func (s SupervisorConfig) BackoffTable() []time.Duration {
	out := make([]time.Duration, len(s.Backoff))
	for i, d := range s.Backoff {
		out[i] = d.D()
	}
	return out
}

type SessionConfig struct {
	Cooldown       configutil.Duration `json:"cooldown"`
	CooldownJitter configutil.Duration `json:"cooldown_jitter"`
}

type HandoffConfig struct {
	AmqpURL  string              `json:"amqp_url"`
	Exchange string              `json:"exchange"`
	Interval configutil.Duration `json:"interval"`
	Batch    int                 `json:"batch"`
}

type StatusConfig struct {
	Addr        string `json:"addr"`
	AccessToken string `json:"access_token"`
}

type ReaperConfig struct {
	Enabled  bool                `json:"enabled"`
	Interval configutil.Duration `json:"interval"`
	MinAge   configutil.Duration `json:"min_age"`
	Names    []string            `json:"names"`
}

type Config struct {
	Store        storeutil.Config         `json:"store"`
	Driver       DriverConfig             `json:"driver"`
	Session      SessionConfig            `json:"session"`
	Supervisor   SupervisorConfig         `json:"supervisor"`
	Accounts     []AccountConfig          `json:"accounts"`
	Scripts      map[string]script.Script `json:"scripts"`
	ScriptDir    string                   `json:"script_dir"`
	StatementDir string                   `json:"statement_dir"`
	Handoff      HandoffConfig            `json:"handoff"`
	Alerts       alert.SmtpConfig         `json:"alerts"`
	Status       StatusConfig             `json:"status"`
	Reaper       ReaperConfig             `json:"reaper"`
	Telemetry    telemetry.Config         `json:"telemetry"`
}

// script resolves the navigation script of an account.
func (c Config) script(name string) (script.Script, error) {
	if s, ok := c.Scripts[name]; ok {
		return s, nil
	}
	if c.ScriptDir == "" {
		return script.Script{}, fault.Newf(fault.Config, "config.script", "unknown script %q", name)
	}
	s, err := configutil.ReadConfig[script.Script](filepath.Join(c.ScriptDir, name+".json5"))
	if errors.Is(err, os.ErrNotExist) {
		return script.Script{}, fault.Newf(fault.Config, "config.script", "unknown script %q", name)
	}
	if err != nil {
		return script.Script{}, fault.New(fault.Config, "config.script", fmt.Errorf("%s: %w", name, err))
	}
	return s, nil
}

func (c Config) validate() error {
	if len(c.Accounts) == 0 {
		return fault.Newf(fault.Config, "config.validate", "no accounts configured")
	}
	seen := map[string]bool{}
	for i, a := range c.Accounts {
		key := a.Account().Key()
		if seen[key] {
			return fault.Newf(fault.Config, "config.validate", "account %d: duplicate account %q", i, key)
		}
		seen[key] = true
		if a.Institution == "" || a.ID == "" {
			return fault.Newf(fault.Config, "config.validate", "account %d: institution and id are required", i)
		}
		if !a.Separator.Valid() {
			return fault.Newf(fault.Config, "config.validate", "account %s: separator must be %q or %q", key, domain.DotThousands, domain.CommaThousands)
		}
		if a.TableSelector == "" {
			return fault.Newf(fault.Config, "config.validate", "account %s: table_selector is required", key)
		}
		if a.Script == "" {
			return fault.Newf(fault.Config, "config.validate", "account %s: script is required", key)
		}
	}
	return c.Store.Validate()
}
