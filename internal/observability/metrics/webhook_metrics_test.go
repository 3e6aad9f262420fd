package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestWebhookMetrics() *WebhookMetrics {
	return NewWebhookMetrics(prometheus.NewRegistry(), Config{
		ServiceName: "inkpress",
		Environment: "test",
	})
}

func TestObserveDelivery(t *testing.T) {
	m := newTestWebhookMetrics()

	m.ObserveDelivery("invoice.paid", "processed", 20*time.Millisecond)
	m.ObserveDelivery("invoice.paid", "processed", 30*time.Millisecond)
	m.ObserveDelivery("", "signature_invalid", time.Millisecond)

	if got := testutil.ToFloat64(m.deliveries.WithLabelValues("invoice.paid", "processed")); got != 2 {
		t.Fatalf("expected 2 processed deliveries, got %v", got)
	}
	if got := testutil.ToFloat64(m.deliveries.WithLabelValues("unknown", "signature_invalid")); got != 1 {
		t.Fatalf("expected unknown event type label, got %v", got)
	}
}

func TestFailureAndLockCounters(t *testing.T) {
	m := newTestWebhookMetrics()

	m.IncLockResult(LockResultSkipped)
	m.IncFailure("customer.subscription.updated", "transient", "explicit")
	m.IncCallbackFailure("invoice.upcoming")
	m.ObserveEnrichment(time.Millisecond, errors.New("boom"))

	if got := testutil.ToFloat64(m.lockResults.WithLabelValues(LockResultSkipped)); got != 1 {
		t.Fatalf("expected skipped lock count 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.failures.WithLabelValues("customer.subscription.updated", "transient", "explicit")); got != 1 {
		t.Fatalf("expected failure count 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.callbackFailures.WithLabelValues("invoice.upcoming")); got != 1 {
		t.Fatalf("expected callback failure count 1, got %v", got)
	}
	if got := testutil.CollectAndCount(m.enrichment); got != 1 {
		t.Fatalf("expected one enrichment series, got %d", got)
	}
}

func TestNilWebhookMetricsIsSafe(t *testing.T) {
	var m *WebhookMetrics
	m.ObserveDelivery("invoice.paid", "processed", time.Millisecond)
	m.IncLockResult(LockResultAcquired)
	m.IncFailure("invoice.paid", "permanent", "validation")
	m.IncCallbackFailure("invoice.paid")
	m.ObserveEnrichment(time.Millisecond, nil)
}
