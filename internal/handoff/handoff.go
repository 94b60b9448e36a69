// Package handoff relays newly stored transactions to downstream consumers
// through an outbox, so a crash between storing and publishing loses nothing.
package handoff

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"banksync-backend/internal/assert"
	"banksync-backend/internal/chrono"
	"banksync-backend/internal/domain"
	"banksync-backend/internal/store"
	"banksync-backend/internal/telemetry"
)

const (
	report_relay_flush = "relay.flush"
	report_relay_sent  = "relay.sent"
)

const DefaultBatch = 100

// Message is the JSON body published for every new transaction.
type Message struct {
	IdentityHash      string `json:"identity_hash"`
	Account           string `json:"account"`
	OperationID       string `json:"operation_id,omitempty"`
	Date              string `json:"date"`
	DateTimeRaw       string `json:"datetime_raw"`
	CounterpartyName  string `json:"counterparty_name"`
	CounterpartyTaxID string `json:"counterparty_tax_id,omitempty"`
	CounterpartyKind  string `json:"counterparty_kind"`
	AmountMinor       int64  `json:"amount_minor"`
	CapturedAt        string `json:"captured_at"`
}

func NewMessage(rec domain.TransactionRecord) Message {
	return Message{
		IdentityHash:      rec.Hash,
		Account:           rec.Account,
		OperationID:       rec.OperationID,
		Date:              rec.ISODate(),
		DateTimeRaw:       rec.DateTimeRaw,
		CounterpartyName:  rec.CounterpartyName,
		CounterpartyTaxID: rec.CounterpartyTaxID,
		CounterpartyKind:  string(rec.CounterpartyKind),
		AmountMinor:       rec.AmountMinor,
		CapturedAt:        rec.CapturedAt.UTC().Format(time.RFC3339),
	}
}

// RoutingKey is the topic a record is published under.
func RoutingKey(account string) string {
	return "transactions." + account
}

// Publisher delivers one message and returns once the broker accepted it.
// messageID is stable across retries so consumers can drop redeliveries.
type Publisher interface {
	Publish(ctx context.Context, routingKey, messageID string, body []byte) error
	Close() error
}

type Relay struct {
	store store.Store
	pub   Publisher
	clock chrono.TimeAPI
	tel   telemetry.API
	batch int
}

func NewRelay(st store.Store, pub Publisher, clock chrono.TimeAPI, tel telemetry.API, batch int) *Relay {
	assert.NotNil(st, "store")
	assert.NotNil(pub, "publisher")
	assert.NotNil(clock, "clock")
	assert.NotNil(tel, "telemetry")

	if batch <= 0 {
		batch = DefaultBatch
	}
	return &Relay{
		store: st,
		pub:   pub,
		clock: clock,
		tel:   telemetry.NewScopedAPI("handoff", tel),
		batch: batch,
	}
}

// Flush publishes pending records until the outbox is empty and returns how
// many it delivered. Delivered records are marked even when a later publish
// fails.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	total := 0
	for {
		pending, err := r.store.PendingHandoffs(ctx, r.batch)
		if err != nil {
			return total, err
		}
		if len(pending) == 0 {
			return total, nil
		}

		delivered := make([]string, 0, len(pending))
		var pubErr error
		for _, rec := range pending {
			body, err := json.Marshal(NewMessage(rec))
			if err != nil {
				pubErr = fmt.Errorf("encode %s: %w", rec.Hash, err)
				break
			}
			if err := r.pub.Publish(ctx, RoutingKey(rec.Account), rec.Hash, body); err != nil {
				pubErr = fmt.Errorf("publish %s: %w", rec.Hash, err)
				break
			}
			delivered = append(delivered, rec.Hash)
		}

		if len(delivered) > 0 {
			if err := r.store.MarkHandedOff(ctx, delivered, r.clock.Now()); err != nil {
				return total, err
			}
			total += len(delivered)
		}
		if pubErr != nil {
			return total, pubErr
		}
		if len(pending) < r.batch {
			return total, nil
		}
	}
}

// Run flushes on every interval tick until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := r.Flush(ctx)
			if err != nil && ctx.Err() == nil {
				r.tel.ReportWarning(report_relay_flush, err, n)
			}
			if n > 0 {
				r.tel.ReportCount(report_relay_sent, int64(n))
			}
		case <-ctx.Done():
			return
		}
	}
}
