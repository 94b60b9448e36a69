package main

import (
	"context"
	"flag"
	"log/slog"
	"path/filepath"
	"time"

	"banksync-backend/internal/alert"
	"banksync-backend/internal/chrono"
	"banksync-backend/internal/configutil"
	"banksync-backend/internal/driver/httpdriver"
	"banksync-backend/internal/extract"
	"banksync-backend/internal/handoff"
	"banksync-backend/internal/ingest"
	"banksync-backend/internal/normalize"
	"banksync-backend/internal/procguard"
	"banksync-backend/internal/script"
	"banksync-backend/internal/session"
	"banksync-backend/internal/statusapi"
	"banksync-backend/internal/store"
	"banksync-backend/internal/store/storeutil"
	"banksync-backend/internal/supervisor"
	"banksync-backend/internal/telemetry"
	"banksync-backend/lib/util/serviceutil"

	"golang.org/x/sync/errgroup"
)

func InitTelemetry(ctx context.Context, verbose bool, cfg telemetry.Config) {
	telemetry.InitSlog(verbose)

	if verbose {
		slog.DebugContext(ctx, "verbose logging enabled")
	}

	tel, err := telemetry.Setup(ctx, "banksyncd", cfg)
	if err != nil {
		serviceutil.Fatal("setup telemetry", err)
	}
	go func() {
		<-ctx.Done()
		tel.Shutdown(context.Background())
	}()
	telemetry.InstrumentPerfStats(ctx)
}

func newRunner(
	cfg Config,
	acc AccountConfig,
	verbose bool,
	st store.Store,
	alerter alert.Alerter,
	gate supervisor.Gate,
	clock chrono.TimeAPI,
	tel telemetry.API,
) (*supervisor.Runner, error) {
	account := acc.Account()

	s, err := cfg.script(acc.Script)
	if err != nil {
		return nil, err
	}
	nav, err := script.NewNavigator(s)
	if err != nil {
		return nil, err
	}
	creds, err := acc.Credentials()
	if err != nil {
		return nil, err
	}

	dumpDir := ""
	if verbose && cfg.Driver.DumpDir != "" {
		dumpDir = filepath.Join(cfg.Driver.DumpDir, account.Key())
	}
	browser, err := httpdriver.New(httpdriver.Config{
		BaseURL:           s.EntryURL,
		UserAgent:         cfg.Driver.UserAgent,
		RequestTimeout:    cfg.Driver.RequestTimeout.D(),
		RequestsPerSecond: cfg.Driver.RequestsPerSecond,
		MinDelay:          cfg.Driver.MinDelay.D(),
		MaxDelay:          cfg.Driver.MaxDelay.D(),
		PollInterval:      cfg.Driver.PollInterval.D(),
		ArtifactRoot:      cfg.Driver.ArtifactRoot,
		CloudflareBypass:  cfg.Driver.CloudflareBypass,
		DumpDir:           dumpDir,
	}, tel)
	if err != nil {
		return nil, err
	}

	sess := session.New(session.Config{
		Markers:        s.Markers(),
		Cooldown:       cfg.Session.Cooldown.D(),
		CooldownJitter: cfg.Session.CooldownJitter.D(),
	}, nav, clock, tel)
	engine := extract.New(extract.Config{
		TableSelector: acc.TableSelector,
		NextControl:   acc.NextControl,
		PageTimeout:   acc.PageTimeout.D(),
		MaxPages:      acc.MaxPages,
	}, clock, tel)
	normalizer, err := normalize.New(account, acc.Layout.Layout())
	if err != nil {
		return nil, err
	}

	cycle := ingest.New(ingest.Config{
		Account:      account,
		Credentials:  creds,
		StatementDir: cfg.StatementDir,
	}, nav, sess, engine, normalizer, st, clock, tel)

	return supervisor.NewRunner(supervisor.Config{
		Account:        account.Key(),
		PollInterval:   acc.PollInterval.Or(cfg.Supervisor.PollInterval.D()),
		Backoff:        cfg.Supervisor.BackoffTable(),
		MaxRestarts:    cfg.Supervisor.MaxRestarts,
		DefenseCeiling: cfg.Supervisor.DefenseCeiling,
		GateRetry:      cfg.Supervisor.GateRetry.D(),
	}, cycle, browser, alerter, gate, clock, tel), nil
}

func main() {
	verbose := flag.Bool("v", false, "Enable verbose logging/instrumentation.")
	configPath := flag.String("config", "banksync.json5", "Path to the configuration file.")
	flag.Parse()

	ctx := serviceutil.SignalContext()

	if err := configutil.LoadEnv(".env"); err != nil {
		serviceutil.Fatal("load .env", err)
	}
	cfg, err := configutil.ReadConfig[Config](*configPath)
	if err != nil {
		serviceutil.Fatal("read config", err)
	}
	if err := cfg.validate(); err != nil {
		serviceutil.Fatal("validate config", err)
	}

	InitTelemetry(ctx, *verbose, cfg.Telemetry)
	tel := telemetry.SlogAPI{}
	clock := chrono.NewStandardTime()

	st, err := storeutil.Open(ctx, cfg.Store)
	if err != nil {
		serviceutil.Fatal("open store", err)
	}
	defer st.Close()

	var alerter alert.Alerter = alert.Log{Tel: tel}
	if cfg.Alerts.Enabled() {
		alerter = alert.Multi{alerter, alert.NewSmtp(cfg.Alerts)}
	}

	gate := procguard.NewMemoryGuard(cfg.Supervisor.MinAvailableMB<<20, tel)

	var runners []*supervisor.Runner
	for _, acc := range cfg.Accounts {
		if acc.Disabled {
			slog.Info("account disabled", "account", acc.Account().Key())
			continue
		}
		runner, err := newRunner(cfg, acc, *verbose, st, alerter, gate, clock, tel)
		if err != nil {
			serviceutil.Fatal("init account "+acc.Account().Key(), err)
		}
		runners = append(runners, runner)
	}
	group := supervisor.NewGroup(runners...)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return group.Run(ctx)
	})

	if cfg.Handoff.AmqpURL != "" {
		publisher, err := handoff.DialAmqp(cfg.Handoff.AmqpURL, cfg.Handoff.Exchange)
		if err != nil {
			serviceutil.Fatal("connect to amqp", err)
		}
		defer publisher.Close()
		relay := handoff.NewRelay(st, publisher, clock, tel, cfg.Handoff.Batch)
		eg.Go(func() error {
			relay.Run(ctx, cfg.Handoff.Interval.Or(30*time.Second))
			return nil
		})
	}

	if cfg.Reaper.Enabled {
		reaper := procguard.NewReaper(cfg.Reaper.Names, cfg.Reaper.MinAge.Or(time.Minute), tel)
		eg.Go(func() error {
			reaper.Run(ctx, cfg.Reaper.Interval.Or(5*time.Minute))
			return nil
		})
	}

	if cfg.Status.Addr != "" {
		api := statusapi.New(st, group, tel)
		handler := serviceutil.RequireBearer(cfg.Status.AccessToken)(api.Handler())
		eg.Go(func() error {
			return serviceutil.ServeHTTP(ctx, cfg.Status.Addr, handler)
		})
	}

	if err := eg.Wait(); err != nil {
		slog.Error("shutting down", "err", err)
	}
}
