// Package session tracks whether a page is logged into the portal, and keeps
// the account away from the portal while an anti-automation block cools down.
package session

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"banksync-backend/internal/assert"
	"banksync-backend/internal/chrono"
	"banksync-backend/internal/driver"
	"banksync-backend/internal/fault"
	"banksync-backend/internal/telemetry"
)

const (
	report_session_defense = "session.defense"
	report_session_expired = "session.expired"
	report_session_login   = "session.login"
)

type State int

const (
	LoggedOut State = iota
	Authenticating
	Active
	SecurityBlocked
	Expired
)

func (s State) String() string {
	switch s {
	case LoggedOut:
		return "logged_out"
	case Authenticating:
		return "authenticating"
	case Active:
		return "active"
	case SecurityBlocked:
		return "security_blocked"
	case Expired:
		return "expired"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Credentials struct {
	Username string
	Password string
}

// String never renders the password.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Username: %q}", c.Username)
}

// Authenticator runs the portal's login sequence on a page showing the login
// form. It is not retried.
type Authenticator interface {
	Login(ctx context.Context, page driver.Page, creds Credentials) error
}

// Markers are case-insensitive patterns matched against the page URL and text.
type Markers struct {
	Defense            []string
	Login              []string
	InvalidCredentials []string
}

var DefaultDefenseMarkers = []string{
	"bloqueado por nuestra política de seguridad",
	"security policy",
	"cf-ray",
	"attention required",
	"access denied",
	"/blocked",
	"captcha",
}

type Config struct {
	Markers Markers
	// Cooldown is how long the account stays away from the portal after a
	// defense page, a random share of CooldownJitter is added on top.
	Cooldown       time.Duration
	CooldownJitter time.Duration
}

const DefaultCooldown = 10 * time.Minute

// Machine is the session state of one account. It is confined to the
// account's loop and is not safe for concurrent use.
type Machine struct {
	cfg   Config
	auth  Authenticator
	clock chrono.TimeAPI
	tel   telemetry.API

	state        State
	blockedUntil time.Time
}

func New(cfg Config, auth Authenticator, clock chrono.TimeAPI, tel telemetry.API) *Machine {
	assert.NotNil(auth, "authenticator")
	assert.NotNil(clock, "clock")
	assert.NotNil(tel, "telemetry")

	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if len(cfg.Markers.Defense) == 0 {
		cfg.Markers.Defense = DefaultDefenseMarkers
	}
	return &Machine{
		cfg:   cfg,
		auth:  auth,
		clock: clock,
		tel:   telemetry.NewScopedAPI("session", tel),
	}
}

func (m *Machine) State() State {
	return m.state
}

// BlockedUntil is the end of the current cooldown, zero if never blocked.
func (m *Machine) BlockedUntil() time.Time {
	return m.blockedUntil
}

// CooldownRemaining is zero unless the machine is SecurityBlocked.
func (m *Machine) CooldownRemaining() time.Duration {
	if m.state != SecurityBlocked {
		return 0
	}
	return max(m.blockedUntil.Sub(m.clock.Now()), 0)
}

func (m *Machine) matches(ctx context.Context, page driver.Page, patterns []string) (string, bool) {
	for _, p := range patterns {
		if p != "" && page.IsOnPage(ctx, p) {
			return p, true
		}
	}
	return "", false
}

func (m *Machine) block(ctx context.Context, page driver.Page, marker string) (State, error) {
	cooldown := m.cfg.Cooldown
	if m.cfg.CooldownJitter > 0 {
		cooldown += time.Duration(rand.Int64N(int64(m.cfg.CooldownJitter)))
	}
	m.state = SecurityBlocked
	m.blockedUntil = m.clock.Now().Add(cooldown)
	m.tel.ReportWarning(report_session_defense, marker, page.URL(), cooldown.String())

	if err := page.ClearCookies(ctx); err != nil {
		return m.state, fmt.Errorf("clear cookies after defense page: %w", err)
	}
	return m.state, nil
}

// EnsureActive brings the page into an authenticated state if it can. A
// non-Active state with a nil error means the caller should retry later.
func (m *Machine) EnsureActive(ctx context.Context, page driver.Page, creds Credentials) (State, error) {
	if m.state == SecurityBlocked {
		if m.clock.Now().Before(m.blockedUntil) {
			return SecurityBlocked, nil
		}
		m.state = LoggedOut
	}

	if marker, ok := m.matches(ctx, page, m.cfg.Markers.Defense); ok {
		return m.block(ctx, page, marker)
	}
	if _, ok := m.matches(ctx, page, m.cfg.Markers.Login); !ok {
		m.state = Active
		return m.state, nil
	}

	if m.state == Active {
		m.state = Expired
		m.tel.ReportDebug(report_session_expired, "session expired", page.URL())
	}
	m.state = Authenticating
	if err := m.auth.Login(ctx, page, creds); err != nil {
		m.state = LoggedOut
		return m.state, fmt.Errorf("login: %w", err)
	}

	if marker, ok := m.matches(ctx, page, m.cfg.Markers.Defense); ok {
		return m.block(ctx, page, marker)
	}
	if _, ok := m.matches(ctx, page, m.cfg.Markers.Login); ok {
		m.state = LoggedOut
		if marker, invalid := m.matches(ctx, page, m.cfg.Markers.InvalidCredentials); invalid {
			m.tel.ReportBroken(report_session_login, marker, creds.Username)
			return m.state, fault.New(fault.Config, "session.login", fault.ErrInvalidCredentials)
		}
		return m.state, nil
	}

	m.state = Active
	m.tel.ReportDebug(report_session_login, "login succeeded", creds.Username)
	return m.state, nil
}

// Observe re-checks the page during normal use and records expiry or a
// defense page.
func (m *Machine) Observe(ctx context.Context, page driver.Page) (State, error) {
	if marker, ok := m.matches(ctx, page, m.cfg.Markers.Defense); ok {
		return m.block(ctx, page, marker)
	}
	if _, ok := m.matches(ctx, page, m.cfg.Markers.Login); ok {
		if m.state == Active {
			m.tel.ReportDebug(report_session_expired, "session expired", page.URL())
			m.state = Expired
		}
		return m.state, nil
	}
	if m.state != SecurityBlocked {
		m.state = Active
	}
	return m.state, nil
}

// Reset forgets the session, used after the browser is restarted. An active
// cooldown is kept.
func (m *Machine) Reset() {
	if m.state != SecurityBlocked {
		m.state = LoggedOut
	}
}
