// Package ingest runs one ingestion cycle for one account: session, results,
// extraction, normalization, storage and balance tracking.
package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"banksync-backend/internal/assert"
	"banksync-backend/internal/chrono"
	"banksync-backend/internal/domain"
	"banksync-backend/internal/driver"
	"banksync-backend/internal/extract"
	"banksync-backend/internal/fault"
	"banksync-backend/internal/normalize"
	"banksync-backend/internal/script"
	"banksync-backend/internal/session"
	"banksync-backend/internal/store"
	"banksync-backend/internal/telemetry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	report_cycle_rejected  = "cycle.rejected"
	report_cycle_balance   = "cycle.read-balance"
	report_cycle_statement = "cycle.statement"
	report_cycle_inserted  = "cycle.inserted"
	report_cycle_run       = "cycle.run"
)

// Report summarizes a cycle, including one that failed part way.
type Report struct {
	RunID    string
	Pages    int
	Rows     int
	Rejected int
	Inserted int
	Skipped  int

	BalanceRead    bool
	Balance        int64
	BalanceChanged bool

	// StatementPath is where the downloaded statement was archived, if any.
	StatementPath string
}

type Config struct {
	Account     domain.Account
	Credentials session.Credentials
	// StatementDir enables archiving statement downloads under
	// <StatementDir>/<account>/.
	StatementDir string
}

type Cycle struct {
	cfg        Config
	nav        script.Navigator
	session    *session.Machine
	extract    extract.Engine
	normalizer normalize.Normalizer
	store      store.Store
	clock      chrono.TimeAPI
	tel        telemetry.API
	tracer     trace.Tracer
}

func New(
	cfg Config,
	nav script.Navigator,
	sess *session.Machine,
	engine extract.Engine,
	normalizer normalize.Normalizer,
	st store.Store,
	clock chrono.TimeAPI,
	tel telemetry.API,
) *Cycle {
	assert.NotNil(sess, "session")
	assert.NotNil(st, "store")
	assert.NotNil(clock, "clock")
	assert.NotNil(tel, "telemetry")

	return &Cycle{
		cfg:        cfg,
		nav:        nav,
		session:    sess,
		extract:    engine,
		normalizer: normalizer,
		store:      st,
		clock:      clock,
		tel:        telemetry.NewScopedAPI("ingest", tel),
		tracer:     otel.Tracer("banksync.ingest"),
	}
}

func (c *Cycle) Session() *session.Machine {
	return c.session
}

// Cooldown is how long the account must stay away from the portal.
func (c *Cycle) Cooldown() time.Duration {
	return c.session.CooldownRemaining()
}

// ResetSession forgets the login, used after the browser was restarted.
func (c *Cycle) ResetSession() {
	c.session.Reset()
}

// Run executes one cycle on page. Rows harvested before a DriverFatal error
// are stored before the error is returned.
func (c *Cycle) Run(ctx context.Context, page driver.Page) (report Report, err error) {
	report.RunID = uuid.NewString()
	account := c.cfg.Account.Key()

	ctx, span := c.tracer.Start(ctx, "cycle", trace.WithAttributes(
		attribute.String("account", account),
		attribute.String("run_id", report.RunID),
	))
	defer func() {
		span.SetAttributes(
			attribute.Int("rows", report.Rows),
			attribute.Int("inserted", report.Inserted),
			attribute.Int("rejected", report.Rejected),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, fault.KindOf(err).String())
		}
		span.End()
	}()

	// stay off the portal while the cooldown runs
	if c.session.CooldownRemaining() > 0 {
		return report, c.stateError(session.SecurityBlocked)
	}

	if err = c.nav.Start(ctx, page); err != nil {
		return report, err
	}
	if err = c.authenticate(ctx, page); err != nil {
		return report, err
	}

	if err = c.readBalance(ctx, page, &report); err != nil {
		return report, err
	}

	if err = c.openResults(ctx, page); err != nil {
		return report, err
	}

	result, runErr := c.extract.Run(ctx, page)
	report.Pages = result.Pages
	report.Rows = len(result.Rows)
	if runErr != nil && !fault.Is(runErr, fault.DriverFatal) {
		return report, c.explain(ctx, page, runErr)
	}

	if err = c.persist(ctx, result.Rows, &report); err != nil {
		return report, err
	}
	if runErr != nil {
		return report, runErr
	}

	c.archiveStatement(ctx, page, &report)

	c.tel.ReportDebug(report_cycle_run, "cycle complete", account, report.RunID, report.Rows, report.Inserted, report.Skipped)
	return report, nil
}

// authenticate turns a non-Active session into a typed error.
func (c *Cycle) authenticate(ctx context.Context, page driver.Page) error {
	state, err := c.session.EnsureActive(ctx, page, c.cfg.Credentials)
	if err != nil {
		return err
	}
	return c.stateError(state)
}

func (c *Cycle) stateError(state session.State) error {
	switch state {
	case session.Active:
		return nil
	case session.SecurityBlocked:
		return fault.Newf(fault.SessionDefense, "cycle.session", "blocked until %s", c.session.BlockedUntil().Format("15:04:05"))
	}
	return fault.Newf(fault.TransientUI, "cycle.session", "session is %s after login", state)
}

func (c *Cycle) openResults(ctx context.Context, page driver.Page) error {
	if err := c.nav.OpenResults(ctx, page); err != nil {
		return c.explain(ctx, page, err)
	}
	state, err := c.session.Observe(ctx, page)
	if err != nil {
		return err
	}
	if state != session.Expired {
		return c.stateError(state)
	}

	// the session expired between login and the results view, log in again once
	if err := c.nav.Start(ctx, page); err != nil {
		return err
	}
	if err := c.authenticate(ctx, page); err != nil {
		return err
	}
	if err := c.nav.OpenResults(ctx, page); err != nil {
		return c.explain(ctx, page, err)
	}
	state, err = c.session.Observe(ctx, page)
	if err != nil {
		return err
	}
	return c.stateError(state)
}

// explain checks whether a failed UI step was caused by a defense page or an
// expired session, and returns the more specific error if so.
func (c *Cycle) explain(ctx context.Context, page driver.Page, cause error) error {
	if fault.Is(cause, fault.DriverFatal) || ctx.Err() != nil {
		return cause
	}
	state, err := c.session.Observe(ctx, page)
	if err != nil {
		return fmt.Errorf("%w (observe: %v)", cause, err)
	}
	switch state {
	case session.SecurityBlocked:
		return fault.New(fault.SessionDefense, "cycle.session", cause)
	case session.Expired:
		return fault.New(fault.TransientUI, "cycle.session", fmt.Errorf("session expired: %w", cause))
	}
	return cause
}

func (c *Cycle) readBalance(ctx context.Context, page driver.Page, report *Report) error {
	text, ok, err := c.nav.ReadBalance(ctx, page)
	if err != nil {
		if fault.Is(err, fault.DriverFatal) || ctx.Err() != nil {
			return err
		}
		c.tel.ReportWarning(report_cycle_balance, err, c.cfg.Account.Key())
		return nil
	}
	if !ok {
		return nil
	}

	value, err := normalize.ParseAmount(text, c.cfg.Account.Separator, c.cfg.Account.MinorDigits)
	if err != nil {
		c.tel.ReportWarning(report_cycle_balance, fault.New(fault.DataRejected, "cycle.read-balance", err), text)
		return nil
	}
	report.BalanceRead = true
	report.Balance = value

	changed, err := c.store.RecordBalanceIfChanged(ctx, c.cfg.Account.Key(), value, c.clock.Now())
	if err != nil {
		return err
	}
	report.BalanceChanged = changed
	if changed {
		c.tel.ReportDebug(report_cycle_balance, "balance changed", c.cfg.Account.Key(), domain.FormatMinor(value, c.cfg.Account.MinorDigits))
	}
	return nil
}

func (c *Cycle) persist(ctx context.Context, rows []domain.RawRow, report *Report) error {
	data := make([]domain.RawRow, 0, len(rows))
	for _, row := range rows {
		if c.normalizer.IsHeader(row) {
			continue
		}
		data = append(data, row)
	}

	records, rejected := c.normalizer.Batch(data)
	report.Rejected = len(rejected)
	for _, rej := range rejected {
		c.tel.ReportWarning(report_cycle_rejected, rej, c.cfg.Account.Key())
	}
	if len(records) == 0 {
		return nil
	}

	res, err := c.store.UpsertTransactions(ctx, records)
	if err != nil {
		return err
	}
	report.Inserted = res.Inserted
	report.Skipped = res.Skipped
	c.tel.ReportCount(report_cycle_inserted, int64(res.Inserted))
	return nil
}

// archiveStatement failures never fail the cycle, the transactions are
// already stored.
func (c *Cycle) archiveStatement(ctx context.Context, page driver.Page, report *Report) {
	if c.cfg.StatementDir == "" {
		return
	}
	data, ok, err := c.nav.DownloadStatement(ctx, page)
	if err != nil {
		c.tel.ReportWarning(report_cycle_statement, err, c.cfg.Account.Key())
		return
	}
	if !ok {
		return
	}

	dir := filepath.Join(c.cfg.StatementDir, safeName(c.cfg.Account.Key()))
	if err := os.MkdirAll(dir, 0755); err != nil {
		c.tel.ReportWarning(report_cycle_statement, err, dir)
		return
	}
	name := fmt.Sprintf("%s-%s", c.clock.Now().In(chrono.Santiago()).Format("20060102-150405"), report.RunID)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		c.tel.ReportWarning(report_cycle_statement, err, path)
		return
	}
	report.StatementPath = path
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, s)
}
