// Package statusapi serves a read-only JSON view of the accounts being synced.
package statusapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"banksync-backend/internal/assert"
	"banksync-backend/internal/domain"
	"banksync-backend/internal/store"
	"banksync-backend/internal/supervisor"
	"banksync-backend/internal/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	report_statusapi_encode = "statusapi.encode"
	report_statusapi_store  = "statusapi.store"
)

// Runners is what the API needs from the supervisor.
type Runners interface {
	Statuses() []supervisor.Status
	Status(account string) (supervisor.Status, bool)
}

type Server struct {
	store   store.Store
	runners Runners
	tel     telemetry.API
	router  *chi.Mux
}

func New(st store.Store, runners Runners, tel telemetry.API) *Server {
	assert.NotNil(st, "store")
	assert.NotNil(runners, "runners")
	assert.NotNil(tel, "telemetry")

	s := &Server{
		store:   st,
		runners: runners,
		tel:     telemetry.NewScopedAPI("statusapi", tel),
		router:  chi.NewRouter(),
	}
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/accounts", s.handleAccounts)
	s.router.Get("/accounts/{account}/balance", s.handleBalance)
	s.router.Get("/accounts/{account}/transactions", s.handleTransactions)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.tel.ReportWarning(report_statusapi_encode, err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.Accounts(r.Context()); err != nil {
		s.tel.ReportWarning(report_statusapi_store, err)
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type accountView struct {
	Account string             `json:"account"`
	Stored  bool               `json:"stored"`
	Runner  *supervisor.Status `json:"runner,omitempty"`
}

// handleAccounts lists configured runners and accounts that only exist in the
// store, for example ones removed from the config.
func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	stored, err := s.store.Accounts(r.Context())
	if err != nil {
		s.tel.ReportWarning(report_statusapi_store, err)
		s.writeError(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}
	inStore := map[string]bool{}
	for _, a := range stored {
		inStore[a] = true
	}

	out := []accountView{}
	seen := map[string]bool{}
	for _, st := range s.runners.Statuses() {
		out = append(out, accountView{Account: st.Account, Stored: inStore[st.Account], Runner: &st})
		seen[st.Account] = true
	}
	for _, a := range stored {
		if !seen[a] {
			out = append(out, accountView{Account: a, Stored: true})
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

type balanceView struct {
	Account    string    `json:"account"`
	Value      int64     `json:"value"`
	CapturedAt time.Time `json:"captured_at"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	snap, ok, err := s.store.LatestBalance(r.Context(), account)
	if err != nil {
		s.tel.ReportWarning(report_statusapi_store, err, account)
		s.writeError(w, http.StatusInternalServerError, "failed to read balance")
		return
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, "no balance recorded for "+account)
		return
	}
	s.writeJSON(w, http.StatusOK, balanceView{
		Account:    snap.Account,
		Value:      snap.Value,
		CapturedAt: snap.CapturedAt,
	})
}

type transactionView struct {
	IdentityHash      string    `json:"identity_hash"`
	OperationID       string    `json:"operation_id,omitempty"`
	Date              string    `json:"date"`
	CounterpartyName  string    `json:"counterparty_name"`
	CounterpartyTaxID string    `json:"counterparty_tax_id,omitempty"`
	CounterpartyKind  string    `json:"counterparty_kind"`
	AmountMinor       int64     `json:"amount_minor"`
	CapturedAt        time.Time `json:"captured_at"`
}

func toView(rec domain.TransactionRecord) transactionView {
	return transactionView{
		IdentityHash:      rec.Hash,
		OperationID:       rec.OperationID,
		Date:              rec.ISODate(),
		CounterpartyName:  rec.CounterpartyName,
		CounterpartyTaxID: rec.CounterpartyTaxID,
		CounterpartyKind:  string(rec.CounterpartyKind),
		AmountMinor:       rec.AmountMinor,
		CapturedAt:        rec.CapturedAt,
	}
}

// handleTransactions accepts since (RFC 3339 or YYYY-MM-DD) and limit
// (default 100) query parameters.
func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			parsed, err = time.Parse(time.DateOnly, raw)
		}
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
		since = parsed
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	records, err := s.store.Transactions(r.Context(), account, since, limit)
	if err != nil {
		s.tel.ReportWarning(report_statusapi_store, err, account)
		s.writeError(w, http.StatusInternalServerError, "failed to list transactions")
		return
	}
	out := make([]transactionView, len(records))
	for i, rec := range records {
		out[i] = toView(rec)
	}
	s.writeJSON(w, http.StatusOK, out)
}
