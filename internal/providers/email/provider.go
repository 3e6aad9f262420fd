package email

import (
	"context"

	"go.uber.org/zap"
)

// Message is one outbound email. Each recipient receives a separate copy.
type Message struct {
	To       []string
	FromName string
	Subject  string
	HTMLBody string
	TextBody string
	Headers  map[string]string
}

type Provider interface {
	Send(ctx context.Context, msg Message) error
}

// NoOpProvider drops mail. Used when SMTP is not configured.
type NoOpProvider struct {
	log *zap.Logger
}

func NewNoOp(log *zap.Logger) *NoOpProvider {
	return &NoOpProvider{log: log.Named("email.noop")}
}

func (p *NoOpProvider) Send(ctx context.Context, msg Message) error {
	p.log.Debug("email dropped, smtp not configured",
		zap.Int("recipients", len(msg.To)),
		zap.String("subject", msg.Subject),
	)
	return nil
}
