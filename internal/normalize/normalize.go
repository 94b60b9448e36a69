// Package normalize turns raw table rows into transaction records with a
// stable identity.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"banksync-backend/internal/chrono"
	"banksync-backend/internal/domain"
	"banksync-backend/internal/fault"
	"banksync-backend/internal/textutil"

	"github.com/antzucaro/matchr"
)

// Absent marks an optional column the portal does not render.
const Absent = -1

// Layout maps record fields to cell indexes.
type Layout struct {
	OperationID       int
	DateTime          int
	CounterpartyName  int
	CounterpartyTaxID int
	Amount            int
	// HeaderLabels are the column titles, rows resembling them are skipped.
	HeaderLabels []string
}

func (l Layout) required() int {
	n := 0
	for _, idx := range []int{l.OperationID, l.DateTime, l.CounterpartyName, l.CounterpartyTaxID, l.Amount} {
		n = max(n, idx+1)
	}
	return n
}

func (l Layout) validate() error {
	if l.DateTime < 0 || l.Amount < 0 || l.CounterpartyName < 0 {
		return errors.New("date_time, amount and counterparty_name columns are required")
	}
	return nil
}

const headerSimilarity = 0.9

type Normalizer struct {
	account domain.Account
	layout  Layout
	labels  []string
}

func New(account domain.Account, layout Layout) (Normalizer, error) {
	if !account.Separator.Valid() {
		return Normalizer{}, fault.Newf(fault.Config, "normalize.new", "account %s: unknown separator rule %q", account.Key(), account.Separator)
	}
	if account.MinorDigits < 0 || account.MinorDigits > 6 {
		return Normalizer{}, fault.Newf(fault.Config, "normalize.new", "account %s: minor digits %d out of range", account.Key(), account.MinorDigits)
	}
	if err := layout.validate(); err != nil {
		return Normalizer{}, fault.New(fault.Config, "normalize.new", err)
	}
	labels := make([]string, 0, len(layout.HeaderLabels))
	for _, l := range layout.HeaderLabels {
		labels = append(labels, textutil.Fold(l))
	}
	return Normalizer{account: account, layout: layout, labels: labels}, nil
}

func reject(format string, args ...any) error {
	return fault.Newf(fault.DataRejected, "normalize.row", format, args...)
}

func cell(row domain.RawRow, idx int) string {
	if idx < 0 || idx >= len(row.Cells) {
		return ""
	}
	return strings.TrimSpace(row.Cells[idx])
}

// IsHeader reports whether at least two cells closely resemble header labels.
func (n Normalizer) IsHeader(row domain.RawRow) bool {
	if len(n.labels) == 0 {
		return false
	}
	matched := 0
	for _, label := range n.labels {
		for _, c := range row.Cells {
			if matchr.JaroWinkler(textutil.Fold(c), label, false) >= headerSimilarity {
				matched++
				break
			}
		}
		if matched >= 2 {
			return true
		}
	}
	return false
}

// Normalize converts row, failures are fault.DataRejected.
func (n Normalizer) Normalize(row domain.RawRow) (domain.TransactionRecord, error) {
	if len(row.Cells) < n.layout.required() {
		return domain.TransactionRecord{}, reject("expected at least %d cells, got %d", n.layout.required(), len(row.Cells))
	}
	if n.IsHeader(row) {
		return domain.TransactionRecord{}, reject("header row")
	}

	rawAmount := cell(row, n.layout.Amount)
	amount, err := ParseAmount(rawAmount, n.account.Separator, n.account.MinorDigits)
	if err != nil {
		return domain.TransactionRecord{}, reject("amount: %w", err)
	}

	rawDate := cell(row, n.layout.DateTime)
	date, err := ParseDate(rawDate)
	if err != nil {
		return domain.TransactionRecord{}, reject("date: %w", err)
	}

	rec := domain.TransactionRecord{
		OperationID:       cell(row, n.layout.OperationID),
		Date:              date,
		DateTimeRaw:       rawDate,
		CounterpartyName:  textutil.CollapseSpaces(cell(row, n.layout.CounterpartyName)),
		CounterpartyTaxID: cell(row, n.layout.CounterpartyTaxID),
		AmountMinor:       amount,
		Account:           n.account.Key(),
		CapturedAt:        row.CapturedAt,
	}
	rec.CounterpartyKind = ClassifyCounterparty(rec.CounterpartyTaxID)
	rec.Hash = IdentityHash(rec.OperationID, rec.DateTimeRaw, rec.AmountMinor, rec.CounterpartyTaxID, rec.CounterpartyName, n.account.Key())
	return rec, nil
}

// Batch normalizes rows, rejected rows are returned separately in order.
func (n Normalizer) Batch(rows []domain.RawRow) ([]domain.TransactionRecord, []error) {
	records := make([]domain.TransactionRecord, 0, len(rows))
	var rejected []error
	for _, row := range rows {
		rec, err := n.Normalize(row)
		if err != nil {
			rejected = append(rejected, fmt.Errorf("page %d: %w", row.PageIndex, err))
			continue
		}
		records = append(records, rec)
	}
	return records, rejected
}

var dateFormats = []string{
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"02/01/2006",
	"02-01-2006 15:04:05",
	"02-01-2006 15:04",
	"02-01-2006",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02.01.2006",
}

// ParseDate reads the calendar date out of a portal date or date-time.
func ParseDate(text string) (time.Time, error) {
	text = textutil.CollapseSpaces(text)
	for _, layout := range dateFormats {
		t, err := time.ParseInLocation(layout, text, chrono.Santiago())
		if err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", text)
}

// businessThreshold is the tax id body above which the holder is a company.
const businessThreshold = 50_000_000

// ClassifyCounterparty guesses whether a Chilean tax id (RUT) belongs to a
// business or a person from the magnitude of its number.
func ClassifyCounterparty(taxID string) domain.CounterpartyKind {
	clean := strings.NewReplacer(".", "", " ", "").Replace(strings.TrimSpace(taxID))
	body, _, _ := strings.Cut(clean, "-")
	if body == "" || !allDigits(body) {
		return domain.KindUnknown
	}
	n, err := strconv.ParseInt(body, 10, 64)
	if err != nil {
		return domain.KindUnknown
	}
	if n > businessThreshold {
		return domain.KindBusiness
	}
	return domain.KindPerson
}

// IdentityHash is the hex SHA-256 of the fields that identify a transaction.
func IdentityHash(operationID, dateTimeRaw string, amountMinor int64, taxID, name, accountLabel string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		operationID,
		dateTimeRaw,
		strconv.FormatInt(amountMinor, 10),
		taxID,
		name,
		accountLabel,
	}, "\x1f")))
	return hex.EncodeToString(sum[:])
}
