package config

import (
	"errors"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// NoticeConfig controls wording and delivery of billing notices.
type NoticeConfig struct {
	SenderName             string `mapstructure:"senderName"`
	DashboardURL           string `mapstructure:"dashboardURL"`
	TrialEndingEnabled     bool   `mapstructure:"trialEndingEnabled"`
	TrialEndingSubject     string `mapstructure:"trialEndingSubject"`
	InvoiceUpcomingEnabled bool   `mapstructure:"invoiceUpcomingEnabled"`
	InvoiceUpcomingSubject string `mapstructure:"invoiceUpcomingSubject"`
}

func DefaultNoticeConfig() NoticeConfig {
	return NoticeConfig{
		SenderName:             "Inkpress Billing",
		DashboardURL:           "https://app.inkpress.io/settings/billing",
		TrialEndingEnabled:     true,
		TrialEndingSubject:     "Your Inkpress trial is ending soon",
		InvoiceUpcomingEnabled: true,
		InvoiceUpcomingSubject: "Your upcoming Inkpress invoice",
	}
}

type NoticeConfigHolder struct {
	current atomic.Value // holds NoticeConfig
}

// NewNoticeConfigHolder reads notices.yml from the standard locations and keeps it
// current while the process runs.
func NewNoticeConfigHolder(log *zap.Logger) (*NoticeConfigHolder, error) {
	return LoadNoticeConfig(log, "/var/lib/inkpress/config", "/etc/inkpress", ".")
}

// LoadNoticeConfig is NewNoticeConfigHolder with explicit search paths.
func LoadNoticeConfig(log *zap.Logger, paths ...string) (*NoticeConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.notices")

	v := viper.New()
	v.SetConfigName("notices")
	v.SetConfigType("yml")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	v.SetEnvPrefix("INKPRESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultNoticeConfig()
	v.SetDefault("notices.senderName", defaults.SenderName)
	v.SetDefault("notices.dashboardURL", defaults.DashboardURL)
	v.SetDefault("notices.trialEndingEnabled", defaults.TrialEndingEnabled)
	v.SetDefault("notices.trialEndingSubject", defaults.TrialEndingSubject)
	v.SetDefault("notices.invoiceUpcomingEnabled", defaults.InvoiceUpcomingEnabled)
	v.SetDefault("notices.invoiceUpcomingSubject", defaults.InvoiceUpcomingSubject)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	var cfg NoticeConfig
	if err := v.UnmarshalKey("notices", &cfg); err != nil {
		return nil, err
	}
	if err := validateNoticeConfig(cfg); err != nil {
		return nil, err
	}

	holder := &NoticeConfigHolder{}
	holder.current.Store(cfg)

	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated NoticeConfig
		if err := v.UnmarshalKey("notices", &updated); err != nil {
			log.Warn("reload failed", zap.String("file", e.Name), zap.Error(err))
			return
		}
		if err := validateNoticeConfig(updated); err != nil {
			log.Warn("invalid config ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

// StaticNoticeConfig returns a holder that never reloads.
func StaticNoticeConfig(cfg NoticeConfig) *NoticeConfigHolder {
	holder := &NoticeConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *NoticeConfigHolder) Get() NoticeConfig {
	return h.current.Load().(NoticeConfig)
}

func validateNoticeConfig(cfg NoticeConfig) error {
	if strings.TrimSpace(cfg.TrialEndingSubject) == "" {
		return errors.New("notices.trialEndingSubject cannot be empty")
	}
	if strings.TrimSpace(cfg.InvoiceUpcomingSubject) == "" {
		return errors.New("notices.invoiceUpcomingSubject cannot be empty")
	}
	return nil
}
