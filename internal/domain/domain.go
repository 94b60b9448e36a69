package domain

import (
	"fmt"
	"time"
)

// SeparatorRule decides which of "." and "," is the thousands separator in an
// account's amounts, the other one is the decimal separator.
type SeparatorRule string

const (
	DotThousands   SeparatorRule = "dot_thousands"
	CommaThousands SeparatorRule = "comma_thousands"
)

func (r SeparatorRule) Valid() bool {
	return r == DotThousands || r == CommaThousands
}

// Account identifies one bank account being synchronized. It is set by
// configuration and never changes during a run.
type Account struct {
	Institution string
	ID          string
	Holder      string
	// Label is mixed into transaction identities so two accounts never collide.
	Label       string
	Separator   SeparatorRule
	MinorDigits int
}

func (a Account) Key() string {
	if a.Label != "" {
		return a.Label
	}
	return fmt.Sprintf("%s:%s", a.Institution, a.ID)
}

// RawRow is one row of cell text as read from a results table.
type RawRow struct {
	Cells      []string
	PageIndex  int
	CapturedAt time.Time
}

type CounterpartyKind string

const (
	KindBusiness CounterpartyKind = "business"
	KindPerson   CounterpartyKind = "person"
	KindUnknown  CounterpartyKind = "unknown"
)

// TransactionRecord is a normalized transaction. Records are immutable once
// created, Hash is a deterministic function of their source fields.
type TransactionRecord struct {
	OperationID       string
	Date              time.Time
	DateTimeRaw       string
	CounterpartyName  string
	CounterpartyTaxID string
	CounterpartyKind  CounterpartyKind
	// AmountMinor is in integer minor units of the account currency.
	AmountMinor int64
	Account     string
	CapturedAt  time.Time
	Hash        string
}

// ISODate renders the detected calendar date.
func (r TransactionRecord) ISODate() string {
	return r.Date.Format(time.DateOnly)
}

type BalanceSnapshot struct {
	Account    string
	Value      int64
	CapturedAt time.Time
}

// FormatMinor renders minor units with the given number of fractional digits,
// eg. FormatMinor(123456, 2) = "1234.56".
func FormatMinor(value int64, digits int) string {
	if digits <= 0 {
		return fmt.Sprintf("%d", value)
	}
	sign := ""
	if value < 0 {
		sign = "-"
		value = -value
	}
	scale := int64(1)
	for i := 0; i < digits; i++ {
		scale *= 10
	}
	return fmt.Sprintf("%s%d.%0*d", sign, value/scale, digits, value%scale)
}
