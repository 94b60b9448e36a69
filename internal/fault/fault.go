// Package fault is the error taxonomy shared by every ingestion component.
// Recovery decisions are made on the Kind of an error, never on its message.
package fault

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// TransientUI covers timeouts, missing elements and flaky page loads.
	TransientUI Kind = iota
	// SessionDefense means the portal served an anti-automation or security page.
	SessionDefense
	// DriverFatal means the browser/driver itself is unusable and must be restarted.
	DriverFatal
	// DataRejected means a single row could not be normalized.
	DataRejected
	// Persistence covers store failures.
	Persistence
	// Config covers invalid credentials and bad configuration, never retried.
	Config
)

func (k Kind) String() string {
	switch k {
	case TransientUI:
		return "transient_ui"
	case SessionDefense:
		return "session_defense"
	case DriverFatal:
		return "driver_fatal"
	case DataRejected:
		return "data_rejected"
	case Persistence:
		return "persistence"
	case Config:
		return "config"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified error, Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf classifies err. Unclassified errors, including deadline overruns,
// are treated as TransientUI.
func KindOf(err error) Kind {
	var ferr *Error
	if errors.As(err, &ferr) {
		return ferr.Kind
	}
	return TransientUI
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

var (
	// ErrControlUnavailable is returned when a control is absent or disabled.
	ErrControlUnavailable = errors.New("control unavailable")
	// ErrTimeout is returned when a bounded wait runs out.
	ErrTimeout = errors.New("timed out")
	// ErrInvalidCredentials is returned when the portal rejects the login.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrClosed is returned when a closed page or browser is used.
	ErrClosed = errors.New("driver closed")
)
