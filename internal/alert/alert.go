// Package alert delivers operator alerts for conditions a retry will not fix.
package alert

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"banksync-backend/internal/telemetry"

	"github.com/jordan-wright/email"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

const report_alert_send = "alert.send"

var tracer = otel.Tracer("banksync.alert")

type Severity int

const (
	Warning Severity = iota
	Critical
)

func (s Severity) String() string {
	if s == Critical {
		return "CRITICAL"
	}
	return "WARNING"
}

type Alert struct {
	Severity Severity
	Account  string
	Subject  string
	Body     string
	At       time.Time
}

type Alerter interface {
	Send(ctx context.Context, a Alert) error
}

// Log writes alerts to telemetry, critical alerts are reported as broken.
type Log struct {
	Tel telemetry.API
}

func (l Log) Send(ctx context.Context, a Alert) error {
	if a.Severity == Critical {
		l.Tel.ReportBroken(report_alert_send, a.Account, a.Subject, a.Body)
		return nil
	}
	l.Tel.ReportWarning(report_alert_send, a.Account, a.Subject, a.Body)
	return nil
}

// Multi sends to every alerter and joins the errors.
type Multi []Alerter

func (m Multi) Send(ctx context.Context, a Alert) error {
	var errs []error
	for _, alerter := range m {
		if err := alerter.Send(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type SmtpConfig struct {
	Server       string   `json:"server"`
	Port         int      `json:"port"`
	EmailAddress string   `json:"email_address"`
	Password     string   `json:"password"`
	To           []string `json:"to"`
}

func (c SmtpConfig) Enabled() bool {
	return c.Server != "" && len(c.To) > 0
}

// Smtp mails alerts to the operators.
type Smtp struct {
	config SmtpConfig
}

func NewSmtp(config SmtpConfig) Smtp {
	return Smtp{config: config}
}

func (s Smtp) message(a Alert) *email.Email {
	mail := email.NewEmail()
	mail.From = fmt.Sprintf("banksync <%s>", s.config.EmailAddress)
	mail.To = s.config.To
	mail.Subject = fmt.Sprintf("[%s] %s: %s", a.Severity, a.Account, a.Subject)

	var body strings.Builder
	fmt.Fprintf(&body, "Account: %s\n", a.Account)
	if !a.At.IsZero() {
		fmt.Fprintf(&body, "Time: %s\n", a.At.Format(time.RFC3339))
	}
	body.WriteString("\n")
	body.WriteString(a.Body)
	body.WriteString("\n")
	mail.Text = []byte(body.String())
	return mail
}

func (s Smtp) Send(ctx context.Context, a Alert) error {
	_, span := tracer.Start(ctx, "alert.smtp")
	defer span.End()

	mail := s.message(a)
	addr := fmt.Sprintf("%s:%d", s.config.Server, s.config.Port)

	err := mail.Send(addr, smtp.PlainAuth("", s.config.EmailAddress, s.config.Password, s.config.Server))
	if err != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = mail.Send(addr, nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send email")
		return fmt.Errorf("send alert email: %w", err)
	}
	return nil
}
