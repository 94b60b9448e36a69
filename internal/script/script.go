// Package script drives a portal with a declarative, per-institution list of
// steps so every bank shares the same driver and recovery code.
package script

import (
	"context"
	"fmt"
	"strings"
	"time"

	"banksync-backend/internal/configutil"
	"banksync-backend/internal/driver"
	"banksync-backend/internal/fault"
	"banksync-backend/internal/session"
)

type Action string

const (
	Navigate Action = "navigate"
	Fill     Action = "fill"
	Click    Action = "click"
	Wait     Action = "wait"
)

// Step is one driver call. For Fill, Value may contain the {username} and
// {password} placeholders.
type Step struct {
	Action  Action              `json:"action"`
	Target  string              `json:"target"`
	Value   string              `json:"value,omitempty"`
	Timeout configutil.Duration `json:"timeout,omitempty"`
	// Optional steps that fail are skipped, used for dismissing banners.
	Optional bool `json:"optional,omitempty"`
}

const DefaultWait = 30 * time.Second

// Script describes how to reach one institution's movements view.
type Script struct {
	Institution string `json:"institution"`
	EntryURL    string `json:"entry_url"`

	Login   []Step `json:"login"`
	Results []Step `json:"results"`

	// BalanceSelector is read as text on the landing page, before the
	// results steps run. Empty disables balance tracking.
	BalanceSelector string `json:"balance_selector,omitempty"`
	// StatementTrigger, when set, is clicked to download the statement file.
	StatementTrigger string `json:"statement_trigger,omitempty"`

	DefenseMarkers            []string `json:"defense_markers,omitempty"`
	LoginMarkers              []string `json:"login_markers"`
	InvalidCredentialsMarkers []string `json:"invalid_credentials_markers,omitempty"`
}

func (s Script) Validate() error {
	if s.Institution == "" {
		return fault.Newf(fault.Config, "script.validate", "institution is required")
	}
	if s.EntryURL == "" {
		return fault.Newf(fault.Config, "script.validate", "%s: entry_url is required", s.Institution)
	}
	if len(s.Login) == 0 {
		return fault.Newf(fault.Config, "script.validate", "%s: login steps are required", s.Institution)
	}
	if len(s.LoginMarkers) == 0 {
		return fault.Newf(fault.Config, "script.validate", "%s: login_markers are required", s.Institution)
	}
	for name, steps := range map[string][]Step{"login": s.Login, "results": s.Results} {
		for i, step := range steps {
			switch step.Action {
			case Navigate, Fill, Click, Wait:
			default:
				return fault.Newf(fault.Config, "script.validate", "%s: %s step %d: unknown action %q", s.Institution, name, i, step.Action)
			}
			if step.Target == "" {
				return fault.Newf(fault.Config, "script.validate", "%s: %s step %d: target is required", s.Institution, name, i)
			}
		}
	}
	return nil
}

// Markers returns the session markers this script declares, defense markers
// fall back to the session defaults.
func (s Script) Markers() session.Markers {
	defense := s.DefenseMarkers
	if len(defense) == 0 {
		defense = session.DefaultDefenseMarkers
	}
	return session.Markers{
		Defense:            defense,
		Login:              s.LoginMarkers,
		InvalidCredentials: s.InvalidCredentialsMarkers,
	}
}

// Navigator runs a Script against a page.
type Navigator struct {
	script Script
}

var _ session.Authenticator = Navigator{}

func NewNavigator(s Script) (Navigator, error) {
	if err := s.Validate(); err != nil {
		return Navigator{}, err
	}
	return Navigator{script: s}, nil
}

func (n Navigator) Script() Script {
	return n.script
}

func expand(value string, creds session.Credentials) string {
	return strings.NewReplacer(
		"{username}", creds.Username,
		"{password}", creds.Password,
	).Replace(value)
}

func (n Navigator) run(ctx context.Context, page driver.Page, op string, steps []Step, creds session.Credentials) error {
	for i, step := range steps {
		var err error
		switch step.Action {
		case Navigate:
			err = page.Navigate(ctx, step.Target)
		case Fill:
			err = page.Fill(ctx, step.Target, expand(step.Value, creds))
		case Click:
			err = page.Click(ctx, step.Target)
		case Wait:
			if !page.WaitFor(ctx, step.Target, step.Timeout.Or(DefaultWait)) {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				err = fault.New(fault.TransientUI, op, fmt.Errorf("%s: %w", step.Target, fault.ErrTimeout))
			}
		}
		if err == nil {
			continue
		}
		if step.Optional && !fault.Is(err, fault.DriverFatal) && ctx.Err() == nil {
			continue
		}
		return fmt.Errorf("%s step %d (%s %s): %w", op, i, step.Action, step.Target, err)
	}
	return nil
}

// Start navigates to the entry point of the portal.
func (n Navigator) Start(ctx context.Context, page driver.Page) error {
	if err := page.Navigate(ctx, n.script.EntryURL); err != nil {
		return fmt.Errorf("open %s: %w", n.script.EntryURL, err)
	}
	return nil
}

// Login implements session.Authenticator.
func (n Navigator) Login(ctx context.Context, page driver.Page, creds session.Credentials) error {
	return n.run(ctx, page, "script.login", n.script.Login, creds)
}

// OpenResults brings an authenticated page to the movements view.
func (n Navigator) OpenResults(ctx context.Context, page driver.Page) error {
	return n.run(ctx, page, "script.open-results", n.script.Results, session.Credentials{})
}

// ReadBalance returns the raw balance text, ok is false when the script does
// not track a balance.
func (n Navigator) ReadBalance(ctx context.Context, page driver.Page) (text string, ok bool, err error) {
	if n.script.BalanceSelector == "" {
		return "", false, nil
	}
	text, err = page.Text(ctx, n.script.BalanceSelector)
	if err != nil {
		return "", false, fmt.Errorf("read balance: %w", err)
	}
	return text, true, nil
}

// DownloadStatement returns the statement file, ok is false when the script
// has no statement trigger.
func (n Navigator) DownloadStatement(ctx context.Context, page driver.Page) (data []byte, ok bool, err error) {
	if n.script.StatementTrigger == "" {
		return nil, false, nil
	}
	data, err = page.DownloadFile(ctx, n.script.StatementTrigger)
	if err != nil {
		return nil, false, fmt.Errorf("download statement: %w", err)
	}
	return data, true, nil
}
