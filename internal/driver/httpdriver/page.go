package httpdriver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"banksync-backend/internal/domain"
	"banksync-backend/internal/fault"
	"banksync-backend/internal/htmlutil"
	"banksync-backend/internal/textutil"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"github.com/mazen160/go-random"
)

type page struct {
	browser *Browser

	current *url.URL
	doc     *goquery.Document
	text    string
	// form holds values set by Fill, keyed by input name, until the next load.
	form      map[string]string
	artifacts string
	closed    bool
}

func classify(op string, err error) error {
	var ferr *fault.Error
	if errors.As(err, &ferr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fault.New(fault.TransientUI, op, fmt.Errorf("%w: %w", fault.ErrTimeout, err))
	}
	return fault.New(fault.TransientUI, op, err)
}

func unavailable(op, control string) error {
	return fault.New(fault.TransientUI, op, fmt.Errorf("%s: %w", control, fault.ErrControlUnavailable))
}

func (p *page) check(op string) error {
	if p.closed {
		return fault.New(fault.DriverFatal, op, fault.ErrClosed)
	}
	return nil
}

func (p *page) fetch(ctx context.Context, op, method string, target *url.URL, form url.Values) (*resty.Response, error) {
	client, err := p.browser.client(op)
	if err != nil {
		return nil, err
	}
	req := client.R().SetContext(ctx)
	if p.current != nil {
		req.SetHeader("referer", p.current.String())
	}
	if method == http.MethodPost {
		req.SetFormDataFromValues(form)
	}
	res, err := req.Execute(method, target.String())
	if err != nil {
		return nil, classify(op, err)
	}
	if res.StatusCode() >= 500 {
		return nil, fault.Newf(fault.TransientUI, op, "%s %s: %s", method, target.Redacted(), res.Status())
	}
	return res, nil
}

// load replaces the current document with the response to a request. 4xx
// responses are still rendered since portals serve their block pages that way.
func (p *page) load(ctx context.Context, op, method string, target *url.URL, form url.Values) error {
	res, err := p.fetch(ctx, op, method, target, form)
	if err != nil {
		return err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.Body()))
	if err != nil {
		return fault.New(fault.TransientUI, op, fmt.Errorf("parse html: %w", err))
	}

	p.current = target
	if res.RawResponse != nil && res.RawResponse.Request != nil {
		p.current = res.RawResponse.Request.URL
	}
	p.doc = doc
	p.text = htmlutil.SelectionText(doc.Find("body"))
	if p.text == "" {
		p.text = htmlutil.SelectionText(doc.Selection)
	}
	p.form = map[string]string{}
	return nil
}

// find resolves a control by css selector, then by input name, then by the
// visible text of a link or button.
func (p *page) find(control string) *goquery.Selection {
	if p.doc == nil {
		return &goquery.Selection{}
	}
	sel := p.doc.Find(control)
	if sel.Length() > 0 {
		return sel.First()
	}
	sel = p.doc.Find(fmt.Sprintf(`[name=%q]`, control))
	if sel.Length() > 0 {
		return sel.First()
	}
	want := textutil.Fold(control)
	return p.doc.Find("a, button, input[type=submit], input[type=button]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		label := htmlutil.SelectionText(s)
		if label == "" {
			label = s.AttrOr("value", "")
		}
		return textutil.Fold(label) == want
	}).First()
}

func (p *page) Navigate(ctx context.Context, target string) error {
	if err := p.check("page.navigate"); err != nil {
		return err
	}
	u, err := p.browser.resolve(p.current, target)
	if err != nil {
		return fault.New(fault.Config, "page.navigate", err)
	}
	return p.load(ctx, "page.navigate", http.MethodGet, u, nil)
}

func (p *page) IsOnPage(ctx context.Context, pattern string) bool {
	if p.closed || p.doc == nil {
		return false
	}
	_, ok := textutil.MatchAny(p.current.String()+" "+p.text, []string{pattern})
	return ok
}

func (p *page) Fill(ctx context.Context, field, value string) error {
	if err := p.check("page.fill"); err != nil {
		return err
	}
	sel := p.find(field)
	if sel.Length() == 0 {
		return unavailable("page.fill", field)
	}
	name := sel.AttrOr("name", field)
	p.form[name] = value
	return nil
}

func (p *page) Click(ctx context.Context, control string) error {
	if err := p.check("page.click"); err != nil {
		return err
	}
	sel := p.find(control)
	if sel.Length() == 0 || htmlutil.IsDisabled(sel) {
		return unavailable("page.click", control)
	}

	if goquery.NodeName(sel) == "a" {
		target, ok := followable(sel)
		if !ok {
			return unavailable("page.click", control)
		}
		u, err := p.browser.resolve(p.current, target)
		if err != nil {
			return fault.New(fault.TransientUI, "page.click", err)
		}
		return p.load(ctx, "page.click", http.MethodGet, u, nil)
	}

	method, u, values, err := p.formRequest(sel)
	if err != nil {
		return unavailable("page.click", control)
	}
	return p.load(ctx, "page.click", method, u, values)
}

func followable(anchor *goquery.Selection) (string, bool) {
	href := strings.TrimSpace(anchor.AttrOr("href", ""))
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return "", false
	}
	return href, true
}

// formRequest builds the request a browser would send when submitter is
// activated, submitter may be the form itself.
func (p *page) formRequest(submitter *goquery.Selection) (string, *url.URL, url.Values, error) {
	form := submitter
	if goquery.NodeName(submitter) != "form" {
		form = submitter.Closest("form")
	}
	if form.Length() == 0 {
		return "", nil, nil, errors.New("control is not inside a form")
	}

	values := url.Values{}
	form.Find("input, select, textarea").Each(func(_ int, field *goquery.Selection) {
		name, ok := field.Attr("name")
		if !ok || name == "" {
			return
		}
		if _, disabled := field.Attr("disabled"); disabled {
			return
		}
		switch goquery.NodeName(field) {
		case "select":
			option := field.Find("option[selected]").First()
			if option.Length() == 0 {
				option = field.Find("option").First()
			}
			values.Set(name, option.AttrOr("value", htmlutil.SelectionText(option)))
		case "textarea":
			values.Set(name, field.Text())
		default:
			switch strings.ToLower(field.AttrOr("type", "text")) {
			case "submit", "button", "image", "reset", "file":
				return
			case "checkbox", "radio":
				if _, checked := field.Attr("checked"); !checked {
					return
				}
				values.Add(name, field.AttrOr("value", "on"))
			default:
				values.Set(name, field.AttrOr("value", ""))
			}
		}
	})
	for name, value := range p.form {
		values.Set(name, value)
	}
	if goquery.NodeName(submitter) != "form" {
		if name := submitter.AttrOr("name", ""); name != "" {
			values.Set(name, submitter.AttrOr("value", ""))
		}
	}

	method := strings.ToUpper(form.AttrOr("method", http.MethodGet))
	if method != http.MethodPost {
		method = http.MethodGet
	}
	action := submitter.AttrOr("formaction", form.AttrOr("action", ""))
	u, err := p.browser.resolve(p.current, action)
	if err != nil {
		return "", nil, nil, err
	}
	if method == http.MethodGet {
		withQuery := *u
		withQuery.RawQuery = values.Encode()
		return method, &withQuery, nil, nil
	}
	return method, u, values, nil
}

func (p *page) WaitFor(ctx context.Context, selector string, timeout time.Duration) bool {
	if p.closed {
		return false
	}
	deadline := time.Now().Add(timeout)
	for {
		if p.doc != nil && p.doc.Find(selector).Length() > 0 {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 || p.current == nil {
			return false
		}

		wait := min(p.browser.cfg.PollInterval, remaining)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}

		reloadCtx, cancel := context.WithDeadline(ctx, deadline)
		err := p.load(reloadCtx, "page.wait-for", http.MethodGet, p.current, nil)
		cancel()
		if fault.Is(err, fault.DriverFatal) {
			return false
		}
	}
}

func (p *page) ReadRows(ctx context.Context, tableSelector string) ([]domain.RawRow, error) {
	if err := p.check("page.read-rows"); err != nil {
		return nil, err
	}
	if p.doc == nil {
		return nil, unavailable("page.read-rows", tableSelector)
	}
	table := p.doc.Find(tableSelector).First()
	if table.Length() == 0 {
		return nil, unavailable("page.read-rows", tableSelector)
	}

	var rows []domain.RawRow
	table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		cells := tr.ChildrenFiltered("td")
		if cells.Length() == 0 {
			return
		}
		row := domain.RawRow{Cells: make([]string, 0, cells.Length())}
		cells.Each(func(_ int, td *goquery.Selection) {
			row.Cells = append(row.Cells, htmlutil.SelectionText(td))
		})
		rows = append(rows, row)
	})
	return rows, nil
}

func (p *page) DownloadFile(ctx context.Context, trigger string) ([]byte, error) {
	if err := p.check("page.download-file"); err != nil {
		return nil, err
	}
	sel := p.find(trigger)
	if sel.Length() == 0 || htmlutil.IsDisabled(sel) {
		return nil, unavailable("page.download-file", trigger)
	}

	var (
		method = http.MethodGet
		u      *url.URL
		values url.Values
		err    error
	)
	if goquery.NodeName(sel) == "a" {
		href, ok := followable(sel)
		if !ok {
			return nil, unavailable("page.download-file", trigger)
		}
		u, err = p.browser.resolve(p.current, href)
	} else {
		method, u, values, err = p.formRequest(sel)
	}
	if err != nil {
		return nil, unavailable("page.download-file", trigger)
	}

	res, err := p.fetch(ctx, "page.download-file", method, u, values)
	if err != nil {
		return nil, err
	}
	if res.IsError() {
		return nil, fault.Newf(fault.TransientUI, "page.download-file", "download: %s", res.Status())
	}

	body := res.Body()
	if err := p.saveArtifact(path.Ext(u.Path), body); err != nil {
		return nil, err
	}
	return body, nil
}

func (p *page) saveArtifact(ext string, body []byte) error {
	if p.artifacts == "" {
		root := p.browser.cfg.ArtifactRoot
		if root == "" {
			root = os.TempDir()
		}
		suffix, err := random.String(10)
		if err != nil {
			return fault.New(fault.DriverFatal, "page.download-file", err)
		}
		dir := filepath.Join(root, "page-"+suffix)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fault.New(fault.DriverFatal, "page.download-file", err)
		}
		p.artifacts = dir
	}
	name, err := random.String(12)
	if err != nil {
		return fault.New(fault.DriverFatal, "page.download-file", err)
	}
	if ext == "" {
		ext = ".bin"
	}
	if err := os.WriteFile(filepath.Join(p.artifacts, name+ext), body, 0600); err != nil {
		return fault.New(fault.DriverFatal, "page.download-file", err)
	}
	return nil
}

// ArtifactDir is where downloads of this page are kept until Close.
func (p *page) ArtifactDir() string {
	return p.artifacts
}

func (p *page) Text(ctx context.Context, selector string) (string, error) {
	if err := p.check("page.text"); err != nil {
		return "", err
	}
	sel := p.find(selector)
	if sel.Length() == 0 {
		return "", unavailable("page.text", selector)
	}
	return htmlutil.SelectionText(sel), nil
}

func (p *page) URL() string {
	if p.current == nil {
		return ""
	}
	return p.current.String()
}

func (p *page) ClearCookies(ctx context.Context) error {
	if err := p.check("page.clear-cookies"); err != nil {
		return err
	}
	return p.browser.clearCookies()
}

func (p *page) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.doc = nil
	p.form = nil
	if p.artifacts == "" {
		return nil
	}
	err := os.RemoveAll(p.artifacts)
	if err != nil {
		p.browser.tel.ReportWarning(report_page_close, err, p.artifacts)
	}
	return err
}
