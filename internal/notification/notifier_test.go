package notification

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/inkpress/internal/billing/domain"
	"github.com/smallbiznis/inkpress/internal/providers/email"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type captureProvider struct {
	messages []email.Message
	err      error
}

func (p *captureProvider) Send(_ context.Context, msg email.Message) error {
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, msg)
	return nil
}

func trialNotice() billingdomain.Notice {
	return billingdomain.Notice{
		Kind:       billingdomain.NoticeTrialEnding,
		OrgID:      snowflake.ID(42),
		EventID:    "evt_1",
		Recipients: []string{"owner@acme.test"},
		Subject:    "Your Inkpress trial is ending soon",
		Headline:   "Your Pro trial ends in 3 days",
		Lines:      []string{"You will then be billed 25.00 USD per month.", "Plans <& add-ons> stay as they are."},
		ActionURL:  "https://app.inkpress.io/settings/billing",
	}
}

func TestSendNoticeRendersBothBodies(t *testing.T) {
	provider := &captureProvider{}
	n := NewNotifier(Params{Log: zap.NewNop(), Email: provider})

	require.NoError(t, n.SendNotice(context.Background(), trialNotice()))
	require.Len(t, provider.messages, 1)

	msg := provider.messages[0]
	assert.Equal(t, []string{"owner@acme.test"}, msg.To)
	assert.Equal(t, "Inkpress Billing", msg.FromName)
	assert.Equal(t, "Your Inkpress trial is ending soon", msg.Subject)
	assert.Len(t, msg.Headers[NoticeIDHeader], 26)

	assert.Contains(t, msg.HTMLBody, "<h2 style=\"margin-bottom: 16px;\">Your Pro trial ends in 3 days</h2>")
	assert.Contains(t, msg.HTMLBody, "Plans &lt;&amp; add-ons&gt; stay as they are.")
	assert.Contains(t, msg.HTMLBody, `href="https://app.inkpress.io/settings/billing"`)
	assert.Contains(t, msg.HTMLBody, msg.Headers[NoticeIDHeader])

	assert.Contains(t, msg.TextBody, "You will then be billed 25.00 USD per month.")
	assert.Contains(t, msg.TextBody, "Manage billing: https://app.inkpress.io/settings/billing")
}

func TestSendNoticeFallsBackToHeadlineSubject(t *testing.T) {
	provider := &captureProvider{}
	n := NewNotifier(Params{Log: zap.NewNop(), Email: provider})

	notice := trialNotice()
	notice.Subject = ""
	require.NoError(t, n.SendNotice(context.Background(), notice))
	assert.Equal(t, "Your Pro trial ends in 3 days", provider.messages[0].Subject)
}

func TestSendNoticeErrors(t *testing.T) {
	provider := &captureProvider{err: errors.New("smtp down")}
	n := NewNotifier(Params{Log: zap.NewNop(), Email: provider})

	err := n.SendNotice(context.Background(), trialNotice())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send trial_ending notice")

	notice := trialNotice()
	notice.Recipients = nil
	assert.ErrorIs(t, n.SendNotice(context.Background(), notice), ErrNoRecipients)
}
