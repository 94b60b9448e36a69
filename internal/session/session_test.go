package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"banksync-backend/internal/chrono"
	"banksync-backend/internal/driver"
	"banksync-backend/internal/driver/drivertest"
	"banksync-backend/internal/fault"
	"banksync-backend/internal/telemetry"

	"github.com/stretchr/testify/require"
)

type authFunc func(ctx context.Context, page driver.Page, creds Credentials) error

func (f authFunc) Login(ctx context.Context, page driver.Page, creds Credentials) error {
	return f(ctx, page, creds)
}

func clickLogin(ctx context.Context, page driver.Page, creds Credentials) error {
	if err := page.Fill(ctx, "user", creds.Username); err != nil {
		return err
	}
	if err := page.Fill(ctx, "pass", creds.Password); err != nil {
		return err
	}
	return page.Click(ctx, "submit")
}

var testMarkers = Markers{
	Defense:            DefaultDefenseMarkers,
	Login:              []string{"/login"},
	InvalidCredentials: []string{"clave incorrecta"},
}

func newSite(loginResult func(filled map[string]string) string) *drivertest.Site {
	form := map[string]string{"user": "", "pass": "", "submit": ""}
	site := drivertest.NewSite("login", map[string]*drivertest.Screen{
		"login":   {URL: "https://bank.test/login", Text: "Ingrese su RUT", Elements: form},
		"invalid": {URL: "https://bank.test/login", Text: "Clave incorrecta", Elements: form},
		"home":    {URL: "https://bank.test/home", Text: "Bienvenido"},
		"blocked": {URL: "https://bank.test/error", Text: "Su acceso fue bloqueado por nuestra política de seguridad"},
	})
	site.LoginControl = "submit"
	site.OnLogin = loginResult
	return site
}

func newMachine(clock chrono.TimeAPI) *Machine {
	return New(Config{Markers: testMarkers}, authFunc(clickLogin), clock, telemetry.NewRecorder())
}

var creds = Credentials{Username: "11111111-1", Password: "secret"}

func TestLoginSucceeds(t *testing.T) {
	ctx := context.Background()
	site := newSite(func(filled map[string]string) string {
		if filled["pass"] == "secret" {
			return "home"
		}
		return "invalid"
	})
	tel := telemetry.NewRecorder()
	m := New(Config{Markers: testMarkers}, authFunc(clickLogin), chrono.NewFakeTime(time.Now()), tel)

	state, err := m.EnsureActive(ctx, site.NewPage(), creds)
	require.NoError(t, err)
	require.Equal(t, Active, state)
	require.Len(t, tel.Reports("debug", report_session_login), 1)
}

func TestCheapPathSkipsLogin(t *testing.T) {
	ctx := context.Background()
	site := newSite(nil)
	site.Show("home")
	m := newMachine(chrono.NewFakeTime(time.Now()))

	state, err := m.EnsureActive(ctx, site.NewPage(), creds)
	require.NoError(t, err)
	require.Equal(t, Active, state)
	require.NotContains(t, site.Log(), "click:submit")
}

func TestInvalidCredentialsIsConfigError(t *testing.T) {
	ctx := context.Background()
	site := newSite(func(map[string]string) string { return "invalid" })
	m := newMachine(chrono.NewFakeTime(time.Now()))

	state, err := m.EnsureActive(ctx, site.NewPage(), creds)
	require.Equal(t, LoggedOut, state)
	require.True(t, fault.Is(err, fault.Config))
	require.ErrorIs(t, err, fault.ErrInvalidCredentials)
}

func TestStillOnLoginWithoutMarkerIsLoggedOut(t *testing.T) {
	ctx := context.Background()
	site := newSite(func(map[string]string) string { return "login" })
	m := newMachine(chrono.NewFakeTime(time.Now()))

	state, err := m.EnsureActive(ctx, site.NewPage(), creds)
	require.NoError(t, err)
	require.Equal(t, LoggedOut, state)
}

func TestLoginErrorPropagates(t *testing.T) {
	ctx := context.Background()
	site := newSite(nil)
	boom := errors.New("element missing")
	m := New(Config{Markers: testMarkers}, authFunc(func(context.Context, driver.Page, Credentials) error {
		return boom
	}), chrono.NewFakeTime(time.Now()), telemetry.NewRecorder())

	state, err := m.EnsureActive(ctx, site.NewPage(), creds)
	require.ErrorIs(t, err, boom)
	require.Equal(t, LoggedOut, state)
}

func TestDefenseCooldown(t *testing.T) {
	ctx := context.Background()
	site := newSite(func(map[string]string) string { return "home" })
	site.Show("blocked")
	clock := chrono.NewFakeTime(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	m := newMachine(clock)
	page := site.NewPage()

	state, err := m.EnsureActive(ctx, page, creds)
	require.NoError(t, err)
	require.Equal(t, SecurityBlocked, state)
	require.Equal(t, 1, site.Cleared())
	require.NotContains(t, site.Log(), "click:submit")
	require.Equal(t, DefaultCooldown, m.CooldownRemaining())

	// still inside the cooldown, the page is not touched at all
	site.Show("login")
	clock.Advance(5 * time.Minute)
	before := len(site.Log())
	state, err = m.EnsureActive(ctx, page, creds)
	require.NoError(t, err)
	require.Equal(t, SecurityBlocked, state)
	require.Len(t, site.Log(), before)

	clock.Advance(6 * time.Minute)
	state, err = m.EnsureActive(ctx, page, creds)
	require.NoError(t, err)
	require.Equal(t, Active, state)
}

func TestDefenseAfterLogin(t *testing.T) {
	ctx := context.Background()
	site := newSite(func(map[string]string) string { return "blocked" })
	m := newMachine(chrono.NewFakeTime(time.Now()))

	state, err := m.EnsureActive(ctx, site.NewPage(), creds)
	require.NoError(t, err)
	require.Equal(t, SecurityBlocked, state)
	require.Equal(t, 1, site.Cleared())
}

func TestObserveExpiry(t *testing.T) {
	ctx := context.Background()
	site := newSite(func(map[string]string) string { return "home" })
	m := newMachine(chrono.NewFakeTime(time.Now()))
	page := site.NewPage()

	state, err := m.EnsureActive(ctx, page, creds)
	require.NoError(t, err)
	require.Equal(t, Active, state)

	site.Show("login")
	state, err = m.Observe(ctx, page)
	require.NoError(t, err)
	require.Equal(t, Expired, state)

	state, err = m.EnsureActive(ctx, page, creds)
	require.NoError(t, err)
	require.Equal(t, Active, state)
}

func TestCredentialsStringHidesPassword(t *testing.T) {
	require.NotContains(t, creds.String(), "secret")
}
