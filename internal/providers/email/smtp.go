package email

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/gomail.v2"
)

var ErrNoRecipients = errors.New("no_recipients")

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type SMTPProvider struct {
	cfg  Config
	dial func() (gomail.SendCloser, error)
}

func NewSMTP(cfg Config) *SMTPProvider {
	dialer := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	return &SMTPProvider{cfg: cfg, dial: dialer.Dial}
}

// Send delivers one copy of msg per recipient over a single connection.
func (p *SMTPProvider) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	messages := make([]*gomail.Message, 0, len(msg.To))
	for _, to := range msg.To {
		to = strings.TrimSpace(to)
		if to == "" {
			continue
		}
		messages = append(messages, p.compose(to, msg))
	}
	if len(messages) == 0 {
		return ErrNoRecipients
	}

	conn, err := p.dial()
	if err != nil {
		return fmt.Errorf("smtp dial %s:%d: %w", p.cfg.Host, p.cfg.Port, err)
	}
	defer conn.Close()

	if err := gomail.Send(conn, messages...); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func (p *SMTPProvider) compose(to string, msg Message) *gomail.Message {
	m := gomail.NewMessage()
	if msg.FromName != "" {
		m.SetAddressHeader("From", p.cfg.From, msg.FromName)
	} else {
		m.SetHeader("From", p.cfg.From)
	}
	m.SetHeader("To", to)
	m.SetHeader("Subject", msg.Subject)
	for key, value := range msg.Headers {
		m.SetHeader(key, value)
	}

	if msg.TextBody != "" {
		m.SetBody("text/plain", msg.TextBody)
		if msg.HTMLBody != "" {
			m.AddAlternative("text/html", msg.HTMLBody)
		}
		return m
	}
	m.SetBody("text/html", msg.HTMLBody)
	return m
}
