// Package supervisor keeps one account's ingestion loop alive: it schedules
// cycles, backs off after failures and restarts the browser when it dies.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"banksync-backend/internal/alert"
	"banksync-backend/internal/assert"
	"banksync-backend/internal/chrono"
	"banksync-backend/internal/driver"
	"banksync-backend/internal/fault"
	"banksync-backend/internal/ingest"
	"banksync-backend/internal/telemetry"
)

const (
	report_runner_cycle    = "runner.cycle"
	report_runner_teardown = "runner.teardown"
	report_runner_restart  = "runner.restart"
	report_runner_gate     = "runner.gate"
	report_runner_alert    = "runner.alert"
	report_runner_panic    = "runner.panic"
	report_runner_failures = "runner.failures"
)

// DefaultBackoff is indexed by consecutive failures, the last entry repeats.
var DefaultBackoff = []time.Duration{
	1 * time.Minute,
	2 * time.Minute,
	5 * time.Minute,
	10 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
}

const (
	DefaultPollInterval   = 15 * time.Minute
	DefaultMaxRestarts    = 3
	DefaultDefenseCeiling = 3
	DefaultGateRetry      = time.Minute
)

type Phase string

const (
	Idle      Phase = "idle"
	Running   Phase = "running"
	Succeeded Phase = "succeeded"
	Failed    Phase = "failed"
	// Stopped is terminal, the loop will not run again without a restart of
	// the process.
	Stopped Phase = "stopped"
)

// Cycle is one ingestion cycle for one account.
type Cycle interface {
	Run(ctx context.Context, page driver.Page) (ingest.Report, error)
	Cooldown() time.Duration
	ResetSession()
}

// Gate holds cycles back while the host is not ready to run one.
type Gate interface {
	Ready(ctx context.Context) (bool, string)
}

type Config struct {
	Account      string
	PollInterval time.Duration
	Backoff      []time.Duration
	// MaxRestarts is how many consecutive DriverFatal failures are retried
	// immediately before falling back to the backoff table.
	MaxRestarts int
	// DefenseCeiling is the number of consecutive defense pages after which
	// the operator is alerted.
	DefenseCeiling int
	GateRetry      time.Duration
}

// Status is a point-in-time view of a runner.
type Status struct {
	Account      string        `json:"account"`
	Phase        Phase         `json:"phase"`
	Failures     int           `json:"failures"`
	LastAttempt  time.Time     `json:"last_attempt"`
	LastSuccess  time.Time     `json:"last_success"`
	NextAttempt  time.Time     `json:"next_attempt"`
	LastError    string        `json:"last_error,omitempty"`
	LastErrKind  string        `json:"last_error_kind,omitempty"`
	LastReport   ingest.Report `json:"last_report"`
	Restarts     int           `json:"restarts"`
	DefensePages int           `json:"defense_pages"`
}

type Runner struct {
	cfg     Config
	cycle   Cycle
	browser driver.Browser
	alerter alert.Alerter
	gate    Gate
	clock   chrono.TimeAPI
	tel     telemetry.API

	mutex  sync.Mutex
	status Status
}

func NewRunner(
	cfg Config,
	cycle Cycle,
	browser driver.Browser,
	alerter alert.Alerter,
	gate Gate,
	clock chrono.TimeAPI,
	tel telemetry.API,
) *Runner {
	assert.NotNil(cycle, "cycle")
	assert.NotNil(browser, "browser")
	assert.NotNil(alerter, "alerter")
	assert.NotNil(clock, "clock")
	assert.NotNil(tel, "telemetry")

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = DefaultMaxRestarts
	}
	if cfg.DefenseCeiling <= 0 {
		cfg.DefenseCeiling = DefaultDefenseCeiling
	}
	if cfg.GateRetry <= 0 {
		cfg.GateRetry = DefaultGateRetry
	}
	return &Runner{
		cfg:     cfg,
		cycle:   cycle,
		browser: browser,
		alerter: alerter,
		gate:    gate,
		clock:   clock,
		tel:     telemetry.NewScopedAPI(cfg.Account, tel),
		status:  Status{Account: cfg.Account, Phase: Idle},
	}
}

// Backoff returns the wait after the given number of consecutive failures.
func Backoff(table []time.Duration, failures int) time.Duration {
	if failures <= 0 || len(table) == 0 {
		return 0
	}
	return table[min(failures, len(table))-1]
}

// Config returns the runner's configuration with defaults applied.
func (r *Runner) Config() Config {
	return r.cfg
}

func (r *Runner) Status() Status {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.status
}

func (r *Runner) update(fn func(s *Status)) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	fn(&r.status)
}

// attempt runs a single cycle on a fresh page. The page is closed on every
// path, which also removes its downloads.
func (r *Runner) attempt(ctx context.Context) (report ingest.Report, err error) {
	page, err := r.browser.NewPage(ctx)
	if err != nil {
		var ferr *fault.Error
		if !errors.As(err, &ferr) {
			err = fault.New(fault.DriverFatal, "runner.new-page", err)
		}
		return report, err
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			r.tel.ReportWarning(report_runner_teardown, cerr)
		}
	}()
	defer func() {
		if p := recover(); p != nil {
			r.tel.ReportBroken(report_runner_panic, p)
			err = fault.Newf(fault.TransientUI, "runner.cycle", "panic: %v", p)
		}
	}()
	return r.cycle.Run(ctx, page)
}

func (r *Runner) sendAlert(ctx context.Context, severity alert.Severity, subject string, err error) {
	a := alert.Alert{
		Severity: severity,
		Account:  r.cfg.Account,
		Subject:  subject,
		Body:     err.Error(),
		At:       r.clock.Now(),
	}
	if aerr := r.alerter.Send(ctx, a); aerr != nil {
		r.tel.ReportBroken(report_runner_alert, aerr, subject)
	}
}

// wait blocks until d has passed or ctx is done, it reports whether the loop
// should continue.
func (r *Runner) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-r.clock.After(d):
		return true
	}
}

// Run loops until ctx is cancelled or a configuration error stops the
// account. It never returns an error so one account cannot stop the others.
func (r *Runner) Run(ctx context.Context) error {
	failures := 0
	restarts := 0
	defensePages := 0

	for ctx.Err() == nil {
		if r.gate != nil {
			if ok, reason := r.gate.Ready(ctx); !ok {
				r.tel.ReportWarning(report_runner_gate, reason)
				r.update(func(s *Status) {
					s.NextAttempt = r.clock.Now().Add(r.cfg.GateRetry)
				})
				if !r.wait(ctx, r.cfg.GateRetry) {
					break
				}
				continue
			}
		}

		started := r.clock.Now()
		r.update(func(s *Status) {
			s.Phase = Running
			s.LastAttempt = started
		})

		report, err := r.attempt(ctx)
		if ctx.Err() != nil {
			break
		}

		var delay time.Duration
		var blockedUntil time.Time
		kind := fault.KindOf(err)
		switch {
		case err == nil:
			failures, restarts, defensePages = 0, 0, 0
			delay = r.cfg.PollInterval

		case kind == fault.Config:
			r.tel.ReportBroken(report_runner_cycle, err)
			r.sendAlert(ctx, alert.Critical, "account stopped: configuration error", err)
			r.update(func(s *Status) {
				s.Phase = Stopped
				s.LastError = err.Error()
				s.LastErrKind = kind.String()
				s.NextAttempt = time.Time{}
				s.LastReport = report
			})
			return nil

		case kind == fault.DriverFatal:
			failures++
			restarts++
			defensePages = 0
			r.tel.ReportWarning(report_runner_cycle, err, kind.String(), restarts)
			restarted := r.restartBrowser(ctx)
			if restarted && restarts <= r.cfg.MaxRestarts {
				delay = 0
			} else {
				delay = Backoff(r.cfg.Backoff, failures)
			}

		case kind == fault.SessionDefense:
			failures++
			restarts = 0
			defensePages++
			r.tel.ReportWarning(report_runner_cycle, err, kind.String(), defensePages)
			delay = Backoff(r.cfg.Backoff, failures)
			// the cooldown is measured from when the block was observed,
			// not from when the attempt started
			blockedUntil = r.clock.Now().Add(r.cycle.Cooldown())
			if defensePages == r.cfg.DefenseCeiling {
				r.sendAlert(ctx, alert.Warning, fmt.Sprintf("%d consecutive security blocks", defensePages), err)
			}

		default:
			failures++
			restarts = 0
			defensePages = 0
			r.tel.ReportWarning(report_runner_cycle, err, kind.String())
			delay = Backoff(r.cfg.Backoff, failures)
		}
		r.tel.ReportCount(report_runner_failures, int64(failures))

		next := started.Add(delay)
		if blockedUntil.After(next) {
			next = blockedUntil
		}
		r.update(func(s *Status) {
			s.Failures = failures
			s.Restarts = restarts
			s.DefensePages = defensePages
			s.NextAttempt = next
			s.LastReport = report
			if err == nil {
				s.Phase = Succeeded
				s.LastSuccess = r.clock.Now()
				s.LastError = ""
				s.LastErrKind = ""
				return
			}
			s.Phase = Failed
			s.LastError = err.Error()
			s.LastErrKind = kind.String()
		})

		if !r.wait(ctx, next.Sub(r.clock.Now())) {
			break
		}
	}

	r.update(func(s *Status) {
		if s.Phase != Stopped {
			s.Phase = Idle
		}
		s.NextAttempt = time.Time{}
	})
	return nil
}

func (r *Runner) restartBrowser(ctx context.Context) bool {
	r.cycle.ResetSession()
	if err := r.browser.Restart(ctx); err != nil {
		r.tel.ReportBroken(report_runner_restart, err)
		return false
	}
	return true
}
