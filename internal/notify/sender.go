// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

// Package notify delivers account emails. Delivery is best effort: the auth
// flows that trigger a notification never fail because an email could not be
// sent.
package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"

	"github.com/samber/oops"
)

// Sender delivers a single message to a recipient.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPConfig holds connection settings for an SMTP relay using implicit TLS
// (port 465 style).
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

// SMTPSender sends mail over an implicit-TLS SMTP connection. A fresh
// connection is dialed per message; the dispatcher's retry layer handles
// transient failures.
type SMTPSender struct {
	cfg SMTPConfig
}

// NewSMTPSender creates an SMTPSender.
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if cfg.Host == "" || cfg.Port == "" {
		return nil, oops.Code("NOTIFY_MISCONFIGURED").
			Errorf("SMTP host and port are required")
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &SMTPSender{cfg: cfg}, nil
}

// Send delivers one message. The context deadline bounds the whole exchange.
func (s *SMTPSender) Send(ctx context.Context, to, subject, body string) error {
	addr := s.cfg.Host + ":" + s.cfg.Port

	dialer := &tls.Dialer{Config: &tls.Config{ServerName: s.cfg.Host}}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return oops.Code("NOTIFY_DIAL_FAILED").
			With("addr", addr).
			Wrap(err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		return oops.Code("NOTIFY_SEND_FAILED").
			With("operation", "smtp handshake").
			Wrap(err)
	}
	defer client.Quit()

	if s.cfg.Username != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return oops.Code("NOTIFY_SEND_FAILED").
				With("operation", "smtp auth").
				Wrap(err)
		}
	}

	if err := client.Mail(s.cfg.From); err != nil {
		return oops.Code("NOTIFY_SEND_FAILED").
			With("operation", "smtp mail").
			Wrap(err)
	}
	if err := client.Rcpt(to); err != nil {
		return oops.Code("NOTIFY_SEND_FAILED").
			With("operation", "smtp rcpt").
			Wrap(err)
	}

	w, err := client.Data()
	if err != nil {
		return oops.Code("NOTIFY_SEND_FAILED").
			With("operation", "smtp data").
			Wrap(err)
	}
	if _, err := w.Write(formatMessage(s.cfg.From, to, subject, body)); err != nil {
		return oops.Code("NOTIFY_SEND_FAILED").
			With("operation", "write body").
			Wrap(err)
	}
	if err := w.Close(); err != nil {
		return oops.Code("NOTIFY_SEND_FAILED").
			With("operation", "close body").
			Wrap(err)
	}

	return nil
}

func formatMessage(from, to, subject, body string) []byte {
	return []byte(
		fmt.Sprintf("From: %s\r\n", from) +
			fmt.Sprintf("To: %s\r\n", to) +
			fmt.Sprintf("Subject: %s\r\n", subject) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/plain; charset=\"utf-8\"\r\n" +
			"\r\n" +
			body,
	)
}

// Compile-time interface check.
var _ Sender = (*SMTPSender)(nil)
