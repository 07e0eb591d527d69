// Package mail implements the Sender capability the delivery worker
// invokes for the synchronous SMTP conversation (spec.md §4.4), built
// on go-mail/mail/v2.
package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"time"

	gomail "github.com/go-mail/mail/v2"

	"github.com/reachinbox/scheduler/config"
)

// Message is one outbound email for a single recipient.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender is the capability the delivery worker depends on. Distinct
// implementations let production SMTP delivery and tests/dev use the
// same call site.
type Sender interface {
	// Send delivers msg, returning a messageId on success. TransportError
	// outcomes (spec.md §5) are returned as plain errors; the worker
	// classifies them for the retry/backoff decision.
	Send(ctx context.Context, msg Message) (messageID string, err error)
}

// SMTPSender dials out over SMTP using go-mail/mail/v2, branching
// between implicit TLS (port 465) and STARTTLS (587).
type SMTPSender struct {
	host     string
	port     int
	username string
	password string
	from     string
	fromName string
	timeout  time.Duration
}

// NewSMTPSender builds a sender from process configuration.
func NewSMTPSender(cfg config.Config) *SMTPSender {
	return &SMTPSender{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		username: cfg.SMTPUsername,
		password: cfg.SMTPPassword,
		from:     cfg.SMTPFrom,
		fromName: cfg.SMTPFromName,
		timeout:  10 * time.Second,
	}
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) (string, error) {
	if s.host == "" {
		return "", errors.New("mail: SMTP_HOST not configured")
	}
	if s.from == "" {
		return "", errors.New("mail: SMTP_FROM not configured")
	}
	if msg.To == "" {
		return "", errors.New("mail: message has no recipient")
	}

	m := gomail.NewMessage()
	m.SetHeader("From", m.FormatAddress(s.from, s.fromName))
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)

	d := gomail.NewDialer(s.host, s.port, s.username, s.password)
	d.Timeout = s.timeout

	if s.port == 465 {
		d.SSL = true
		d.TLSConfig = &tls.Config{ServerName: s.host}
	} else {
		d.TLSConfig = &tls.Config{ServerName: s.host}
		d.StartTLSPolicy = gomail.MandatoryStartTLS
	}

	done := make(chan error, 1)
	go func() { done <- d.DialAndSend(m) }()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("mail: send failed: %w", err)
		}
	}

	messageID := fmt.Sprintf("<%d.%s@%s>", time.Now().UnixNano(), msg.To, s.host)
	return messageID, nil
}

// LogSender logs the outgoing message instead of dialing SMTP, for
// local development when SMTP_HOST is unset.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, msg Message) (string, error) {
	log.Printf("mail: SMTP not configured, skipping send to=%s subject=%q", msg.To, msg.Subject)
	return fmt.Sprintf("<noop.%d@localhost>", time.Now().UnixNano()), nil
}

// NewSender picks SMTPSender when SMTP_HOST is set, LogSender otherwise.
func NewSender(cfg config.Config) Sender {
	if cfg.SMTPHost == "" {
		return LogSender{}
	}
	return NewSMTPSender(cfg)
}
