// Package mail is the outbound mail transport. Production delivery goes over
// SMTP with bounded retry; dev mode logs the message instead of sending it.
package mail

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// Mailer sends a single plain-text message.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTP delivers through a single SMTP relay.
type SMTP struct {
	Addr string // host:port
	From string
	User string
	Pass string
}

// Send delivers the message, retrying transient failures with exponential
// backoff for up to 30 seconds.
func (m *SMTP) Send(ctx context.Context, to, subject, body string) error {
	msg := strings.Join([]string{
		"From: " + m.From,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
		"",
		body,
	}, "\r\n")

	var auth smtp.Auth
	if m.User != "" {
		host := m.Addr
		if i := strings.IndexByte(host, ':'); i >= 0 {
			host = host[:i]
		}
		auth = smtp.PlainAuth("", m.User, m.Pass, host)
	}

	op := func() error {
		return smtp.SendMail(m.Addr, auth, m.From, []string{to}, []byte(msg))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	start := time.Now()
	if err := backoff.Retry(op, policy); err != nil {
		log.Error().Err(err).Str("to", to).Dur("elapsed", time.Since(start)).Msg("mail delivery failed")
		return fmt.Errorf("mail: send to %s: %w", to, err)
	}
	log.Info().Str("to", to).Str("subject", subject).Msg("mail sent")
	return nil
}

// Log is a dev/test mailer that records messages instead of delivering them.
type Log struct {
	Sent []Message
}

// Message is one captured outbound mail.
type Message struct {
	To      string
	Subject string
	Body    string
}

func (m *Log) Send(_ context.Context, to, subject, body string) error {
	m.Sent = append(m.Sent, Message{To: to, Subject: subject, Body: body})
	log.Info().Str("to", to).Str("subject", subject).Msg("mail (log only)")
	return nil
}
