// Package driver is the capability surface the ingestion core uses to talk to
// a banking portal. Implementations translate their own failures into fault
// errors: timeouts and missing controls are fault.TransientUI, an unusable
// browser is fault.DriverFatal.
package driver

import (
	"context"
	"time"

	"banksync-backend/internal/domain"
)

// Page is one navigation session inside a Browser.
type Page interface {
	Navigate(ctx context.Context, url string) error
	// IsOnPage reports whether pattern occurs, case-insensitively, in the
	// current URL or the visible page text.
	IsOnPage(ctx context.Context, pattern string) bool
	Fill(ctx context.Context, field, value string) error
	// Click activates a control. An absent or disabled control returns an
	// error wrapping fault.ErrControlUnavailable.
	Click(ctx context.Context, control string) error
	// WaitFor waits up to timeout for selector to match, it never errors.
	WaitFor(ctx context.Context, selector string, timeout time.Duration) bool
	ReadRows(ctx context.Context, tableSelector string) ([]domain.RawRow, error)
	DownloadFile(ctx context.Context, trigger string) ([]byte, error)
	Text(ctx context.Context, selector string) (string, error)
	URL() string
	ClearCookies(ctx context.Context) error
	// Close ends the page and deletes its artifact directory. Cookies belong
	// to the Browser and survive Close.
	Close() error
}

// Browser owns the cookie jar and the underlying automation process.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	// Restart throws away the current process, including cookies.
	Restart(ctx context.Context) error
	Close() error
}
