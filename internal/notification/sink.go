package notification

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
)

// Sink delivers a message to a customer destination.
type Sink interface {
	Notify(ctx context.Context, destination, message string) error
}

type NoOpSink struct{}

func (NoOpSink) Notify(context.Context, string, string) error {
	return nil
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Subject  string
}

// EmailSink sends plain-text mail through an SMTP relay.
type EmailSink struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailSink(cfg SMTPConfig) *EmailSink {
	if cfg.Subject == "" {
		cfg.Subject = "Debit Notification"
	}
	return &EmailSink{cfg: cfg, send: smtp.SendMail}
}

func (s *EmailSink) Notify(ctx context.Context, destination, message string) error {
	to := strings.TrimSpace(destination)
	if to == "" {
		return errors.New("notification destination is empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	headers := "MIME-version: 1.0;\r\nContent-Type: text/plain; charset=\"UTF-8\";\r\n"
	msg := []byte(fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n%s\r\n%s", s.cfg.From, to, s.cfg.Subject, headers, message))

	return s.send(addr, auth, s.cfg.From, []string{to}, msg)
}
