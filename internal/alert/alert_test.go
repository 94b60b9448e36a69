package alert

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"banksync-backend/internal/telemetry"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestLogSeverity(t *testing.T) {
	tel := telemetry.NewRecorder()
	l := Log{Tel: tel}

	require.NoError(t, l.Send(context.Background(), Alert{Severity: Critical, Account: "a", Subject: "invalid credentials"}))
	require.NoError(t, l.Send(context.Background(), Alert{Severity: Warning, Account: "b", Subject: "defense page"}))

	require.Len(t, tel.Reports("broken", report_alert_send), 1)
	require.Len(t, tel.Reports("warning", report_alert_send), 1)
}

type failing struct{ err error }

func (f failing) Send(context.Context, Alert) error { return f.err }

func TestMultiJoinsErrors(t *testing.T) {
	tel := telemetry.NewRecorder()
	boom := errors.New("boom")
	err := Multi{failing{boom}, Log{Tel: tel}}.Send(context.Background(), Alert{Subject: "x"})
	require.ErrorIs(t, err, boom)
	require.Len(t, tel.Reports("warning", report_alert_send), 1)
}

func TestMessage(t *testing.T) {
	s := NewSmtp(SmtpConfig{EmailAddress: "ops@bank.test", To: []string{"oncall@bank.test"}})
	mail := s.message(Alert{
		Severity: Critical,
		Account:  "bci-empresa",
		Subject:  "login rejected",
		Body:     "check the stored password",
		At:       time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC),
	})
	require.Equal(t, "[CRITICAL] bci-empresa: login rejected", mail.Subject)
	require.Equal(t, []string{"oncall@bank.test"}, mail.To)
	require.Contains(t, string(mail.Text), "check the stored password")
	require.Contains(t, string(mail.Text), "2024-03-05T10:00:00Z")
}

func TestSmtpDelivery(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	ctx := context.Background()

	// suppress logging
	testcontainers.Logger = log.New(io.Discard, "", 0)

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		Started: true,
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "haravich/fake-smtp-server",
			ExposedPorts: []string{"1025:1025", "1080:1080"},
			WaitingFor:   wait.ForLog("smtp://0.0.0.0:1025"),
		},
	})
	if err != nil {
		t.Skipf("fake smtp server unavailable: %v", err)
	}
	defer container.Terminate(ctx)

	s := NewSmtp(SmtpConfig{
		Server:       "localhost",
		Port:         1025,
		EmailAddress: "ops@bank.test",
		Password:     "default",
		To:           []string{"oncall@bank.test"},
	})
	err = s.Send(ctx, Alert{Severity: Critical, Account: "santander", Subject: "login rejected", Body: "rotate the password"})
	require.NoError(t, err)

	res, err := resty.New().R().Get("http://127.0.0.1:1080/messages/1.plain")
	require.NoError(t, err)
	require.Contains(t, res.String(), "rotate the password")
}
