package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const noticesYAML = `notices:
  senderName: Acme CMS Billing
  trialEndingEnabled: false
  trialEndingSubject: Trial ending
  invoiceUpcomingSubject: Invoice soon
`

func TestLoadNoticeConfigDefaults(t *testing.T) {
	holder, err := LoadNoticeConfig(zap.NewNop(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DefaultNoticeConfig(), holder.Get())
}

func TestLoadNoticeConfigFromFileAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notices.yml")
	require.NoError(t, os.WriteFile(path, []byte(noticesYAML), 0o600))

	holder, err := LoadNoticeConfig(zap.NewNop(), dir)
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, "Acme CMS Billing", cfg.SenderName)
	assert.False(t, cfg.TrialEndingEnabled)
	assert.Equal(t, "Trial ending", cfg.TrialEndingSubject)
	assert.True(t, cfg.InvoiceUpcomingEnabled, "unset keys keep their defaults")
	assert.Equal(t, DefaultNoticeConfig().DashboardURL, cfg.DashboardURL)

	updated := noticesYAML + "  dashboardURL: https://cms.acme.test/billing\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))
	require.Eventually(t, func() bool {
		return holder.Get().DashboardURL == "https://cms.acme.test/billing"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestLoadNoticeConfigRejectsEmptySubject(t *testing.T) {
	dir := t.TempDir()
	body := "notices:\n  trialEndingSubject: \"\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notices.yml"), []byte(body), 0o600))

	_, err := LoadNoticeConfig(zap.NewNop(), dir)
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	t.Setenv("STRIPE_WEBHOOK_SECRET", " whsec_123 ")
	t.Setenv("STRIPE_WEBHOOK_TOLERANCE_SECONDS", "120")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("WEBHOOK_MAX_BODY_BYTES", "1024")

	cfg := Load()
	assert.Equal(t, "whsec_123", cfg.Stripe.WebhookSecret)
	assert.Equal(t, 2*time.Minute, cfg.Stripe.WebhookTolerance)
	assert.False(t, cfg.Redis.Enabled())
	assert.Equal(t, int64(1024), cfg.WebhookMaxBodyBytes)
	assert.Equal(t, 24*time.Hour, cfg.ProcessedEventCacheTTL)
}
