// Package delivery hands rendered broadcast messages to a mail transport.
package delivery

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"

	"github.com/unclebandit/broadcast-mailer/internal/secret"
)

type Message struct {
	FromName  string
	FromEmail string
	To        string
	ReplyTo   string
	Subject   string
	HTML      string
	Text      string
	Headers   map[string]string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPSender relays through an SMTP server, typically the provider's SMTP endpoint.
type SMTPSender struct {
	dialer dialer
}

func NewSMTPSender(host string, port int, user string, password secret.Secret) *SMTPSender {
	return &SMTPSender{dialer: gomail.NewDialer(host, port, user, password.Release())}
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.dialer.DialAndSend(buildMessage(msg)); err != nil {
		return fmt.Errorf("smtp send to %s: %w", msg.To, err)
	}
	return nil
}

func buildMessage(msg Message) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", msg.FromEmail, msg.FromName)
	m.SetHeader("To", msg.To)
	if msg.ReplyTo != "" {
		m.SetHeader("Reply-To", msg.ReplyTo)
	}
	m.SetHeader("Subject", msg.Subject)
	for k, v := range msg.Headers {
		m.SetHeader(k, v)
	}

	switch {
	case msg.Text != "" && msg.HTML != "":
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	case msg.HTML != "":
		m.SetBody("text/html", msg.HTML)
	default:
		m.SetBody("text/plain", msg.Text)
	}
	return m
}

var _ Sender = (*SMTPSender)(nil)
