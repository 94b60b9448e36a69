// Package httpdriver drives server-rendered banking portals over plain HTTP,
// parsing each response as HTML. Forms are submitted the way a browser would
// submit them, javascript is never executed.
package httpdriver

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"time"

	"banksync-backend/internal/assert"
	"banksync-backend/internal/driver"
	"banksync-backend/internal/fault"
	"banksync-backend/internal/telemetry"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"
)

const (
	report_browser_restart = "browser.restart"
	report_page_close      = "page.close"
	report_browser_dump    = "browser.dump"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

type Config struct {
	BaseURL        string
	UserAgent      string
	RequestTimeout time.Duration
	// RequestsPerSecond caps the request rate of the whole browser.
	RequestsPerSecond float64
	// MinDelay and MaxDelay bound a random pause before every request.
	MinDelay time.Duration
	MaxDelay time.Duration
	// PollInterval is how often WaitFor re-fetches the current page.
	PollInterval time.Duration
	// ArtifactRoot is where pages create their download directories.
	ArtifactRoot string
	// CloudflareBypass wraps the transport with browser-like TLS settings.
	CloudflareBypass bool
	// DumpDir, when set, receives a redacted copy of every HTTP exchange.
	DumpDir string
}

func (c *Config) setDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = defaultUserAgent
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = time.Second * 30
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
}

// Browser is a driver.Browser holding one resty client and its cookie jar.
type Browser struct {
	cfg  Config
	base *url.URL
	tel  telemetry.API

	mutex   sync.Mutex
	http    *resty.Client
	limiter *rate.Limiter
	closed  bool
}

var _ driver.Browser = (*Browser)(nil)

func New(cfg Config, tel telemetry.API) (*Browser, error) {
	assert.NotNil(tel, "telemetry")
	cfg.setDefaults()

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fault.New(fault.Config, "httpdriver.new", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fault.Newf(fault.Config, "httpdriver.new", "base url %q must be absolute", cfg.BaseURL)
	}

	b := &Browser{
		cfg:  cfg,
		base: base,
		tel:  telemetry.NewScopedAPI("httpdriver", tel),
		// max burst >= 2 just means that no requests will be dropped
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 2),
	}
	b.http, err = b.newClient()
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Browser) newClient() (*resty.Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fault.New(fault.DriverFatal, "httpdriver.new-client", err)
	}

	client := resty.New()
	client.SetCookieJar(jar)
	if b.cfg.CloudflareBypass {
		client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)
	}
	client.SetHeader("user-agent", b.cfg.UserAgent)
	client.SetHeader("accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	client.SetHeader("accept-language", "es-CL,es;q=0.9,en;q=0.8")
	client.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(b.base.Hostname()))
	client.SetTimeout(b.cfg.RequestTimeout)

	client.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		if err := b.politenessDelay(req.Context()); err != nil {
			return err
		}
		return b.limiter.Wait(req.Context())
	})
	telemetry.InstrumentResty(client, b.tel)
	if b.cfg.DumpDir != "" {
		d, err := newDump(b.cfg.DumpDir, func(err error) {
			b.tel.ReportWarning(report_browser_dump, err)
		})
		if err != nil {
			return nil, fault.New(fault.Config, "httpdriver.dump", err)
		}
		d.attach(client)
	}

	return client, nil
}

func (b *Browser) politenessDelay(ctx context.Context) error {
	delay := b.cfg.MinDelay
	if spread := b.cfg.MaxDelay - b.cfg.MinDelay; spread > 0 {
		delay += time.Duration(rand.Int64N(int64(spread)))
	}
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (b *Browser) client(op string) (*resty.Client, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		return nil, fault.New(fault.DriverFatal, op, fault.ErrClosed)
	}
	return b.http, nil
}

func (b *Browser) clearCookies() error {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return fault.New(fault.DriverFatal, "page.clear-cookies", err)
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.closed {
		return fault.New(fault.DriverFatal, "page.clear-cookies", fault.ErrClosed)
	}
	b.http.SetCookieJar(jar)
	return nil
}

func (b *Browser) NewPage(ctx context.Context) (driver.Page, error) {
	if _, err := b.client("browser.new-page"); err != nil {
		return nil, err
	}
	return &page{
		browser: b,
		form:    map[string]string{},
	}, nil
}

func (b *Browser) Restart(ctx context.Context) error {
	client, err := b.newClient()
	if err != nil {
		b.tel.ReportBroken(report_browser_restart, err)
		return err
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.http = client
	b.closed = false
	b.tel.ReportDebug(report_browser_restart, "browser restarted")
	return nil
}

func (b *Browser) Close() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.closed = true
	return nil
}

func (b *Browser) resolve(current *url.URL, target string) (*url.URL, error) {
	ref, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", target, err)
	}
	if current == nil {
		current = b.base
	}
	return current.ResolveReference(ref), nil
}
