package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"banksync-backend/internal/domain"
	"banksync-backend/internal/store/sqlstore"
	"banksync-backend/internal/store/storetest"
	"banksync-backend/internal/supervisor"
	"banksync-backend/internal/telemetry"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/require"
)

type fakeRunners []supervisor.Status

func (f fakeRunners) Statuses() []supervisor.Status {
	return f
}

func (f fakeRunners) Status(account string) (supervisor.Status, bool) {
	for _, s := range f {
		if s.Account == account {
			return s, true
		}
	}
	return supervisor.Status{}, false
}

func setup(t *testing.T) *resty.Client {
	t.Helper()
	ctx := context.Background()
	st, err := sqlstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	_, err = st.UpsertTransactions(ctx, []domain.TransactionRecord{
		storetest.Record("bci", "1", 1, 1000, "76.123.456-7"),
		storetest.Record("bci", "2", 2, 2000, "76.123.456-7"),
		storetest.Record("old", "1", 1, 10, "1-9"),
	})
	require.NoError(t, err)
	_, err = st.RecordBalanceIfChanged(ctx, "bci", 150000, time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	runners := fakeRunners{
		{Account: "bci", Phase: supervisor.Succeeded},
		{Account: "santander", Phase: supervisor.Failed, Failures: 2},
	}
	srv := httptest.NewServer(New(st, runners, telemetry.NewRecorder()).Handler())
	t.Cleanup(srv.Close)
	return resty.New().SetBaseURL(srv.URL)
}

func TestHealth(t *testing.T) {
	client := setup(t)
	res, err := client.R().Get("/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode())
	require.JSONEq(t, `{"status":"ok"}`, res.String())
}

func TestAccounts(t *testing.T) {
	client := setup(t)
	var out []accountView
	res, err := client.R().SetResult(&out).Get("/accounts")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode())

	require.Len(t, out, 3)
	require.Equal(t, "bci", out[0].Account)
	require.True(t, out[0].Stored)
	require.Equal(t, supervisor.Succeeded, out[0].Runner.Phase)
	require.Equal(t, "santander", out[1].Account)
	require.False(t, out[1].Stored)
	require.Equal(t, 2, out[1].Runner.Failures)
	require.Equal(t, "old", out[2].Account)
	require.Nil(t, out[2].Runner)
}

func TestBalance(t *testing.T) {
	client := setup(t)
	var out balanceView
	res, err := client.R().SetResult(&out).Get("/accounts/bci/balance")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode())
	require.Equal(t, int64(150000), out.Value)
	require.True(t, out.CapturedAt.Equal(time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)))

	res, err = client.R().Get("/accounts/santander/balance")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, res.StatusCode())
}

func TestTransactions(t *testing.T) {
	client := setup(t)
	var out []transactionView
	res, err := client.R().SetResult(&out).SetQueryParam("limit", "1").Get("/accounts/bci/transactions")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode())
	require.Len(t, out, 1)

	res, err = client.R().SetQueryParam("since", "yesterday").Get("/accounts/bci/transactions")
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, res.StatusCode())

	var body map[string]string
	require.NoError(t, json.Unmarshal(res.Body(), &body))
	require.Equal(t, "invalid since", body["error"])
}
