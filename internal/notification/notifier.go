// Package notification renders billing notices and hands them to the email provider.
package notification

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"

	"github.com/oklog/ulid/v2"
	billingdomain "github.com/smallbiznis/inkpress/internal/billing/domain"
	"github.com/smallbiznis/inkpress/internal/config"
	obsmetrics "github.com/smallbiznis/inkpress/internal/observability/metrics"
	"github.com/smallbiznis/inkpress/internal/providers/email"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NoticeIDHeader carries the notice id so support can trace a delivered mail.
const NoticeIDHeader = "X-Inkpress-Notice-ID"

var ErrNoRecipients = errors.New("notice_without_recipients")

//go:embed templates/*
var templateFS embed.FS

var (
	htmlTemplate = htmltemplate.Must(htmltemplate.ParseFS(templateFS, "templates/notice.html"))
	textTemplate = texttemplate.Must(texttemplate.ParseFS(templateFS, "templates/notice.txt"))
)

type Params struct {
	fx.In

	Log     *zap.Logger
	Email   email.Provider
	Notices *config.NoticeConfigHolder
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Notifier struct {
	log     *zap.Logger
	email   email.Provider
	notices *config.NoticeConfigHolder
	metrics *obsmetrics.Metrics
}

func NewNotifier(p Params) *Notifier {
	notices := p.Notices
	if notices == nil {
		notices = config.StaticNoticeConfig(config.DefaultNoticeConfig())
	}
	return &Notifier{
		log:     p.Log.Named("notification"),
		email:   p.Email,
		notices: notices,
		metrics: p.Metrics,
	}
}

type view struct {
	NoticeID    string
	SenderName  string
	Headline    string
	Lines       []string
	ActionURL   string
	ActionLabel string
}

// SendNotice renders notice and sends it to every recipient.
func (n *Notifier) SendNotice(ctx context.Context, notice billingdomain.Notice) (err error) {
	defer func() {
		n.metrics.RecordNotice(ctx, string(notice.Kind), err == nil)
	}()

	if len(notice.Recipients) == 0 {
		return ErrNoRecipients
	}

	cfg := n.notices.Get()
	id := ulid.Make().String()
	v := view{
		NoticeID:    id,
		SenderName:  cfg.SenderName,
		Headline:    notice.Headline,
		Lines:       notice.Lines,
		ActionURL:   notice.ActionURL,
		ActionLabel: actionLabel(notice.Kind),
	}

	var html, text bytes.Buffer
	if err := htmlTemplate.Execute(&html, v); err != nil {
		return fmt.Errorf("render %s html: %w", notice.Kind, err)
	}
	if err := textTemplate.Execute(&text, v); err != nil {
		return fmt.Errorf("render %s text: %w", notice.Kind, err)
	}

	subject := notice.Subject
	if subject == "" {
		subject = notice.Headline
	}

	err = n.email.Send(ctx, email.Message{
		To:       notice.Recipients,
		FromName: cfg.SenderName,
		Subject:  subject,
		HTMLBody: html.String(),
		TextBody: text.String(),
		Headers:  map[string]string{NoticeIDHeader: id},
	})
	if err != nil {
		return fmt.Errorf("send %s notice: %w", notice.Kind, err)
	}

	n.log.Info("billing notice sent",
		zap.String("notice_id", id),
		zap.String("kind", string(notice.Kind)),
		zap.String("event_id", notice.EventID),
		zap.String("org_id", notice.OrgID.String()),
		zap.Int("recipients", len(notice.Recipients)),
	)
	return nil
}

func actionLabel(kind billingdomain.NoticeKind) string {
	switch kind {
	case billingdomain.NoticeInvoiceUpcoming:
		return "View invoice"
	case billingdomain.NoticeTrialEnding:
		return "Manage billing"
	default:
		return "Open dashboard"
	}
}
