// Package drivertest provides a scripted in-memory driver.Page for tests.
package drivertest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"banksync-backend/internal/domain"
	"banksync-backend/internal/driver"
	"banksync-backend/internal/fault"
)

// Screen is one rendered state of the fake portal.
type Screen struct {
	URL  string
	Text string
	// Elements maps selectors to their text, a selector missing here is absent.
	Elements map[string]string
	// Disabled lists selectors present but disabled.
	Disabled map[string]bool
	// Tables maps a table selector to its rows.
	Tables map[string][][]string
	// Transitions maps a clicked control to the name of the next screen.
	Transitions map[string]string
	// Downloads maps a trigger to file contents.
	Downloads map[string][]byte
	// Errors makes a call on this screen fail, keyed by operation name
	// ("click:<control>", "read:<table>", "navigate", "fill:<field>").
	Errors map[string]error
}

// Site is a set of named screens with a current position.
type Site struct {
	mutex   sync.Mutex
	screens map[string]*Screen
	current string
	// Routes maps a navigated URL to a screen name.
	Routes map[string]string
	// OnLogin is run when the control named LoginControl is clicked, it
	// returns the screen to show next.
	LoginControl string
	OnLogin      func(filled map[string]string) string

	filled   map[string]string
	cleared  int
	closed   int
	restarts int
	log      []string
}

func NewSite(start string, screens map[string]*Screen) *Site {
	return &Site{
		screens: screens,
		current: start,
		Routes:  map[string]string{},
		filled:  map[string]string{},
	}
}

func (s *Site) screen() *Screen {
	sc, ok := s.screens[s.current]
	if !ok {
		panic(fmt.Sprintf("drivertest: unknown screen %q", s.current))
	}
	return sc
}

// Screen returns a screen by name so tests can alter it.
func (s *Site) Screen(name string) *Screen {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.screens[name]
}

// Show forces the current screen.
func (s *Site) Show(name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.current = name
}

func (s *Site) Current() string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.current
}

func (s *Site) Cleared() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.cleared
}

func (s *Site) Closed() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.closed
}

func (s *Site) Restarts() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.restarts
}

// Log returns every operation performed, in order.
func (s *Site) Log() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]string(nil), s.log...)
}

func (s *Site) failure(op string) error {
	if err, ok := s.screen().Errors[op]; ok {
		return err
	}
	return nil
}

// Page is a driver.Page backed by a Site.
type Page struct {
	site   *Site
	closed bool
}

var _ driver.Page = (*Page)(nil)

func (s *Site) NewPage() *Page {
	return &Page{site: s}
}

func (p *Page) lock(op string) (func(), error) {
	p.site.mutex.Lock()
	p.site.log = append(p.site.log, op)
	if p.closed {
		p.site.mutex.Unlock()
		return nil, fault.New(fault.DriverFatal, op, fault.ErrClosed)
	}
	return p.site.mutex.Unlock, nil
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	unlock, err := p.lock("navigate")
	if err != nil {
		return err
	}
	defer unlock()
	if err := p.site.failure("navigate"); err != nil {
		return err
	}
	if next, ok := p.site.Routes[url]; ok {
		p.site.current = next
	}
	return nil
}

func (p *Page) IsOnPage(ctx context.Context, pattern string) bool {
	unlock, err := p.lock("is_on_page")
	if err != nil {
		return false
	}
	defer unlock()
	sc := p.site.screen()
	pattern = strings.ToLower(pattern)
	return strings.Contains(strings.ToLower(sc.URL), pattern) ||
		strings.Contains(strings.ToLower(sc.Text), pattern)
}

func (p *Page) Fill(ctx context.Context, field, value string) error {
	unlock, err := p.lock("fill:" + field)
	if err != nil {
		return err
	}
	defer unlock()
	if err := p.site.failure("fill:" + field); err != nil {
		return err
	}
	if _, ok := p.site.screen().Elements[field]; !ok {
		return fault.New(fault.TransientUI, "page.fill", fmt.Errorf("%s: %w", field, fault.ErrControlUnavailable))
	}
	p.site.filled[field] = value
	return nil
}

func (p *Page) Click(ctx context.Context, control string) error {
	unlock, err := p.lock("click:" + control)
	if err != nil {
		return err
	}
	defer unlock()
	if err := p.site.failure("click:" + control); err != nil {
		return err
	}
	sc := p.site.screen()
	if _, ok := sc.Elements[control]; !ok || sc.Disabled[control] {
		return fault.New(fault.TransientUI, "page.click", fmt.Errorf("%s: %w", control, fault.ErrControlUnavailable))
	}
	if control == p.site.LoginControl && p.site.OnLogin != nil {
		p.site.current = p.site.OnLogin(p.site.filled)
		return nil
	}
	if next, ok := sc.Transitions[control]; ok {
		p.site.current = next
	}
	return nil
}

func (p *Page) WaitFor(ctx context.Context, selector string, timeout time.Duration) bool {
	unlock, err := p.lock("wait:" + selector)
	if err != nil {
		return false
	}
	defer unlock()
	sc := p.site.screen()
	if _, ok := sc.Elements[selector]; ok {
		return true
	}
	_, ok := sc.Tables[selector]
	return ok
}

func (p *Page) ReadRows(ctx context.Context, tableSelector string) ([]domain.RawRow, error) {
	unlock, err := p.lock("read:" + tableSelector)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := p.site.failure("read:" + tableSelector); err != nil {
		return nil, err
	}
	rows, ok := p.site.screen().Tables[tableSelector]
	if !ok {
		return nil, fault.New(fault.TransientUI, "page.read-rows", fmt.Errorf("%s: %w", tableSelector, fault.ErrControlUnavailable))
	}
	out := make([]domain.RawRow, len(rows))
	for i, cells := range rows {
		out[i] = domain.RawRow{Cells: append([]string(nil), cells...)}
	}
	return out, nil
}

func (p *Page) DownloadFile(ctx context.Context, trigger string) ([]byte, error) {
	unlock, err := p.lock("download:" + trigger)
	if err != nil {
		return nil, err
	}
	defer unlock()
	data, ok := p.site.screen().Downloads[trigger]
	if !ok {
		return nil, fault.New(fault.TransientUI, "page.download-file", fmt.Errorf("%s: %w", trigger, fault.ErrControlUnavailable))
	}
	return data, nil
}

func (p *Page) Text(ctx context.Context, selector string) (string, error) {
	unlock, err := p.lock("text:" + selector)
	if err != nil {
		return "", err
	}
	defer unlock()
	text, ok := p.site.screen().Elements[selector]
	if !ok {
		return "", fault.New(fault.TransientUI, "page.text", fmt.Errorf("%s: %w", selector, fault.ErrControlUnavailable))
	}
	return text, nil
}

func (p *Page) URL() string {
	p.site.mutex.Lock()
	defer p.site.mutex.Unlock()
	return p.site.screen().URL
}

func (p *Page) ClearCookies(ctx context.Context) error {
	unlock, err := p.lock("clear_cookies")
	if err != nil {
		return err
	}
	defer unlock()
	p.site.cleared++
	return nil
}

func (p *Page) Close() error {
	p.site.mutex.Lock()
	defer p.site.mutex.Unlock()
	if !p.closed {
		p.closed = true
		p.site.closed++
	}
	return nil
}

// Browser is a driver.Browser handing out pages of one Site.
type Browser struct {
	Site *Site
	// NewPageErr, when set, is returned by the next NewPage call and cleared.
	NewPageErr error
	// RestartErr is returned by every Restart call.
	RestartErr error
}

var _ driver.Browser = (*Browser)(nil)

func (b *Browser) NewPage(ctx context.Context) (driver.Page, error) {
	if b.NewPageErr != nil {
		err := b.NewPageErr
		b.NewPageErr = nil
		return nil, err
	}
	return b.Site.NewPage(), nil
}

func (b *Browser) Restart(ctx context.Context) error {
	b.Site.mutex.Lock()
	b.Site.restarts++
	b.Site.mutex.Unlock()
	return b.RestartErr
}

func (b *Browser) Close() error {
	return nil
}
