package utils

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// Email is one outbound message.
type Email struct {
	From      string
	FromName  string
	To        string
	Subject   string
	Body      string
	MessageID string
}

// MessageSender delivers an email and reports the provider message id.
// Failures are classified transient vs permanent via the error kinds in
// this package.
type MessageSender interface {
	Send(ctx context.Context, email Email) (string, error)
}

// SMTPSender sends through a single SMTP account.
type SMTPSender struct {
	dialer *gomail.Dialer
	domain string
}

func NewSMTPSender(host string, port int, username, password string) *SMTPSender {
	domain := "localhost"
	if at := strings.LastIndex(username, "@"); at >= 0 {
		domain = username[at+1:]
	}
	return &SMTPSender{
		dialer: gomail.NewDialer(host, port, username, password),
		domain: domain,
	}
}

func (s *SMTPSender) Send(ctx context.Context, email Email) (string, error) {
	messageID := email.MessageID
	if messageID == "" {
		messageID = fmt.Sprintf("<%s@%s>", uuid.New().String(), s.domain)
	}

	m := gomail.NewMessage()
	m.SetAddressHeader("From", email.From, email.FromName)
	m.SetHeader("To", email.To)
	m.SetHeader("Subject", email.Subject)
	m.SetHeader("Message-ID", messageID)
	m.SetBody("text/plain", email.Body)

	// gomail has no context support; run the dial+send in a goroutine so
	// the caller's timeout still applies.
	done := make(chan error, 1)
	go func() {
		done <- s.dialer.DialAndSend(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			return "", classifySMTPError(err)
		}
		return messageID, nil
	case <-ctx.Done():
		return "", Transient(ctx.Err())
	}
}

// classifySMTPError maps SMTP reply codes to the retry policy: 4xx codes are
// temporary failures, 5xx are permanent rejections, and anything without a
// recognizable code (dial errors, resets) is treated as transient.
func classifySMTPError(err error) error {
	msg := err.Error()
	for _, code := range []string{"421", "450", "451", "452"} {
		if strings.Contains(msg, code) {
			return Transient(err)
		}
	}
	for _, code := range []string{"550", "551", "552", "553", "554"} {
		if strings.Contains(msg, code) {
			return Permanent(err)
		}
	}
	return Transient(err)
}
