package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	LockResultAcquired  = "acquired"
	LockResultSkipped   = "skipped"
	LockResultProcessed = "already_processed"
)

// WebhookMetrics captures billing webhook health signals scraped from /metrics.
type WebhookMetrics struct {
	deliveries       *prometheus.CounterVec
	duration         *prometheus.HistogramVec
	lockResults      *prometheus.CounterVec
	failures         *prometheus.CounterVec
	callbackFailures *prometheus.CounterVec
	enrichment       *prometheus.HistogramVec
}

var (
	webhookMetricsOnce sync.Once
	webhookMetrics     *WebhookMetrics
)

// Webhook returns the singleton webhook metrics registered on the default registry.
func Webhook(cfg Config) *WebhookMetrics {
	webhookMetricsOnce.Do(func() {
		webhookMetrics = NewWebhookMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return webhookMetrics
}

// NewWebhookMetrics registers webhook collectors on registerer.
func NewWebhookMetrics(registerer prometheus.Registerer, cfg Config) *WebhookMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "inkpress"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "inkpress_billing_webhook_deliveries_total",
		Help:        "Billing webhook deliveries by event type and outcome.",
		ConstLabels: constLabels,
	}, []string{"event_type", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "inkpress_billing_webhook_duration_seconds",
		Help:        "End-to-end webhook processing latency, which must stay well under the provider delivery timeout.",
		Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		ConstLabels: constLabels,
	}, []string{"event_type"})
	lockResults := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "inkpress_billing_event_lock_total",
		Help:        "Skip-locked event row selection results.",
		ConstLabels: constLabels,
	}, []string{"result"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "inkpress_billing_event_failures_total",
		Help:        "Billing event processing failures by kind and reason.",
		ConstLabels: constLabels,
	}, []string{"event_type", "kind", "reason"})
	callbackFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "inkpress_billing_callback_failures_total",
		Help:        "Post-commit callbacks that returned an error.",
		ConstLabels: constLabels,
	}, []string{"event_type"})
	enrichment := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "inkpress_billing_enrichment_duration_seconds",
		Help:        "Provider enrichment calls made before the processing transaction.",
		Buckets:     []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		ConstLabels: constLabels,
	}, []string{"status"})

	registerer.MustRegister(deliveries, duration, lockResults, failures, callbackFailures, enrichment)

	return &WebhookMetrics{
		deliveries:       deliveries,
		duration:         duration,
		lockResults:      lockResults,
		failures:         failures,
		callbackFailures: callbackFailures,
		enrichment:       enrichment,
	}
}

// ObserveDelivery records the outcome and latency of one delivery.
func (m *WebhookMetrics) ObserveDelivery(eventType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	eventType = normalizeEventType(eventType)
	m.deliveries.WithLabelValues(eventType, outcome).Inc()
	m.duration.WithLabelValues(eventType).Observe(elapsed.Seconds())
}

func (m *WebhookMetrics) IncLockResult(result string) {
	if m == nil {
		return
	}
	m.lockResults.WithLabelValues(result).Inc()
}

func (m *WebhookMetrics) IncFailure(eventType, kind, reason string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(normalizeEventType(eventType), kind, reason).Inc()
}

func (m *WebhookMetrics) IncCallbackFailure(eventType string) {
	if m == nil {
		return
	}
	m.callbackFailures.WithLabelValues(normalizeEventType(eventType)).Inc()
}

func (m *WebhookMetrics) ObserveEnrichment(elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.enrichment.WithLabelValues(status).Observe(elapsed.Seconds())
}

func normalizeEventType(eventType string) string {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return "unknown"
	}
	return eventType
}
