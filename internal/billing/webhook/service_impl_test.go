package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/inkpress/internal/billing/billingtest"
	"github.com/smallbiznis/inkpress/internal/billing/domain"
	"github.com/smallbiznis/inkpress/internal/billing/handler"
	"github.com/smallbiznis/inkpress/internal/billing/repository"
	"github.com/smallbiznis/inkpress/internal/clock"
	"github.com/smallbiznis/inkpress/internal/config"
	obsmetrics "github.com/smallbiznis/inkpress/internal/observability/metrics"
	orgdomain "github.com/smallbiznis/inkpress/internal/organization/domain"
	orgrepository "github.com/smallbiznis/inkpress/internal/organization/repository"
	orgservice "github.com/smallbiznis/inkpress/internal/organization/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const validSignature = "t=1,v1=valid"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeProvider struct {
	mu           sync.Mutex
	events       map[string]*domain.Event
	subscription *domain.SubscriptionDetails
	fetchErr     error
	fetches      int
}

func (p *fakeProvider) VerifyEvent(payload []byte, signatureHeader string) (*domain.Event, error) {
	if signatureHeader != validSignature {
		return nil, fmt.Errorf("%w: no matching signature", domain.ErrSignatureInvalid)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ev, ok := p.events[string(payload)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown payload", domain.ErrInvalidPayload)
	}
	out := *ev
	out.Raw = payload
	return &out, nil
}

func (p *fakeProvider) FetchSubscription(_ context.Context, _ string) (*domain.SubscriptionDetails, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetches++
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	return p.subscription, nil
}

type notifier struct {
	mu      sync.Mutex
	notices []domain.Notice
	err     error
}

func (n *notifier) SendNotice(_ context.Context, notice domain.Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.notices = append(n.notices, notice)
	return nil
}

func (n *notifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notices)
}

type countingRouter struct {
	*handler.Router
	calls atomic.Int32
}

func (r *countingRouter) Route(ctx context.Context, tx *gorm.DB, event *domain.Event, enrichment domain.Enrichment) (domain.Result, error) {
	r.calls.Add(1)
	return r.Router.Route(ctx, tx, event, enrichment)
}

type harness struct {
	t        *testing.T
	db       *gorm.DB
	node     *snowflake.Node
	repo     domain.Repository
	provider *fakeProvider
	notifier *notifier
	router   *countingRouter
	registry *prometheus.Registry
	svc      domain.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithDB(t, billingtest.OpenDB(t))
}

func newHarnessWithDB(t *testing.T, db *gorm.DB) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		db:       db,
		node:     billingtest.Node(t),
		repo:     repository.Provide(),
		provider: &fakeProvider{events: map[string]*domain.Event{}},
		notifier: &notifier{},
	}
	h.build()
	return h
}

// build wires the router and service around the current repo.
func (h *harness) build() {
	h.registry = prometheus.NewRegistry()
	clk := clock.NewFakeClock(testNow)
	directory := orgservice.NewDirectory(orgservice.Params{
		Log:  zap.NewNop(),
		Repo: orgrepository.NewRepository(h.db),
	})
	h.router = &countingRouter{Router: handler.NewRouter(handler.Params{
		Log:       zap.NewNop(),
		GenID:     h.node,
		Clock:     clk,
		Repo:      h.repo,
		Directory: directory,
		Notifier:  h.notifier,
		Notices:   config.StaticNoticeConfig(config.DefaultNoticeConfig()),
	})}
	h.svc = NewService(Params{
		DB:       h.db,
		Log:      zap.NewNop(),
		GenID:    h.node,
		Clock:    clk,
		Repo:     h.repo,
		Provider: h.provider,
		Router:   h.router,
		Webhook:  obsmetrics.NewWebhookMetrics(h.registry, obsmetrics.Config{Environment: "test"}),
	})
}

// register makes payload verify to event and returns the payload.
func (h *harness) register(event *domain.Event) []byte {
	payload := fmt.Sprintf(`{"id":%q,"type":%q}`, event.ID, event.Type)
	h.provider.mu.Lock()
	h.provider.events[payload] = event
	h.provider.mu.Unlock()
	return []byte(payload)
}

func (h *harness) deliver(payload []byte) domain.Delivery {
	return h.svc.Ingest(context.Background(), payload, validSignature)
}

// counter sums every series of the named counter.
func (h *harness) counter(name string) float64 {
	h.t.Helper()
	families, err := h.registry.Gather()
	require.NoError(h.t, err)
	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func (h *harness) record(eventID string) *domain.EventRecord {
	h.t.Helper()
	record, err := h.repo.FindEvent(context.Background(), h.db, eventID)
	require.NoError(h.t, err)
	return record
}

func subscription(id, status string, orgID snowflake.ID, classified bool) domain.SubscriptionDetails {
	details := domain.SubscriptionDetails{
		ID:         id,
		CustomerID: "cus_1",
		Status:     status,
		Currency:   "usd",
		Items: []domain.LineItem{
			{PriceID: "price_seat", UnitAmount: 1000, Quantity: 2},
			{PriceID: "price_addon", UnitAmount: 500, Quantity: 1},
		},
	}
	if classified {
		details.Metadata = map[string]string{
			domain.MetadataOrganizationID: orgID.String(),
			domain.MetadataPlanTier:       "pro",
			domain.MetadataBillingCycle:   "monthly",
		}
	}
	return details
}

func (h *harness) createSubscription(orgID snowflake.ID) {
	h.t.Helper()
	payload := h.register(&domain.Event{
		ID:   "evt_created",
		Type: domain.EventSubscriptionCreated,
		Data: domain.SubscriptionChanged{Subscription: subscription("sub_1", "trialing", orgID, true)},
	})
	require.Equal(h.t, domain.OutcomeProcessed, h.deliver(payload).Outcome)
}

func TestRepeatedDeliveryRunsSideEffectsOnce(t *testing.T) {
	h := newHarness(t)
	orgID := h.node.Generate()
	h.createSubscription(orgID)
	billingtest.SeedMember(t, h.db, h.node, orgID, "owner@acme.test", orgdomain.RoleOwner)

	trialEnd := testNow.Add(72 * time.Hour)
	payload := h.register(&domain.Event{
		ID:   "evt_trial",
		Type: domain.EventSubscriptionTrialWillEnd,
		Data: domain.TrialWillEnd{Subscription: domain.SubscriptionDetails{ID: "sub_1", TrialEnd: &trialEnd}},
	})

	first := h.deliver(payload)
	assert.Equal(t, domain.OutcomeProcessed, first.Outcome)
	for i := 0; i < 4; i++ {
		assert.Equal(t, domain.OutcomeDuplicate, h.deliver(payload).Outcome)
	}

	assert.Equal(t, 1, h.notifier.count())
	record := h.record("evt_trial")
	require.NotNil(t, record)
	assert.True(t, record.Processed())
	assert.Equal(t, 1, record.Attempts)
	require.NotNil(t, record.OrgID)
	assert.Equal(t, orgID, *record.OrgID)
}

func TestConcurrentDeliveryAppliesOnce(t *testing.T) {
	h := newHarness(t)
	orgID := h.node.Generate()
	payload := h.register(&domain.Event{
		ID:   "evt_concurrent",
		Type: domain.EventSubscriptionCreated,
		Data: domain.SubscriptionChanged{Subscription: subscription("sub_1", "active", orgID, true)},
	})

	const workers = 8
	outcomes := make([]domain.Outcome, workers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			outcomes[i] = h.deliver(payload).Outcome
		}(i)
	}
	close(start)
	wg.Wait()

	processed := 0
	for _, outcome := range outcomes {
		switch outcome {
		case domain.OutcomeProcessed:
			processed++
		case domain.OutcomeDuplicate, domain.OutcomeConcurrent:
		default:
			t.Fatalf("unexpected outcome %q", outcome)
		}
	}
	assert.Equal(t, 1, processed)
	assert.Equal(t, int32(1), h.router.calls.Load())

	var count int64
	require.NoError(t, h.db.Model(&domain.Subscription{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestInvalidSignatureCreatesNoRecord(t *testing.T) {
	h := newHarness(t)
	payload := h.register(&domain.Event{ID: "evt_sig", Type: domain.EventInvoicePaid, Data: domain.InvoiceSettled{}})

	delivery := h.svc.Ingest(context.Background(), payload, "t=1,v1=forged")
	assert.Equal(t, domain.OutcomeSignatureInvalid, delivery.Outcome)
	assert.ErrorIs(t, delivery.Err, domain.ErrSignatureInvalid)
	assert.Nil(t, h.record("evt_sig"))
	assert.Equal(t, int32(0), h.router.calls.Load())
}

func TestOutOfOrderEventStaysRetryable(t *testing.T) {
	h := newHarness(t)
	orgID := h.node.Generate()
	updated := h.register(&domain.Event{
		ID:   "evt_updated",
		Type: domain.EventSubscriptionUpdated,
		Data: domain.SubscriptionChanged{Subscription: subscription("sub_1", "past_due", orgID, false)},
	})

	delivery := h.deliver(updated)
	assert.Equal(t, domain.OutcomeTransientFailure, delivery.Outcome)
	assert.ErrorIs(t, delivery.Err, domain.ErrSubscriptionNotFound)

	record := h.record("evt_updated")
	require.NotNil(t, record)
	assert.False(t, record.Processed())
	require.NotNil(t, record.ProcessingError)
	assert.Contains(t, *record.ProcessingError, "sub_1")
	assert.Equal(t, 1, record.Attempts)

	h.createSubscription(orgID)
	assert.Equal(t, domain.OutcomeProcessed, h.deliver(updated).Outcome)

	record = h.record("evt_updated")
	assert.True(t, record.Processed())
	assert.Nil(t, record.ProcessingError)
	assert.Equal(t, 2, record.Attempts)

	sub, err := h.repo.FindSubscription(context.Background(), h.db, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionStatusPastDue, sub.Status, "the replayed update is applied last")
}

func TestPermanentFailureIsRecordedAndAcknowledged(t *testing.T) {
	h := newHarness(t)
	h.createSubscription(h.node.Generate())
	payload := h.register(&domain.Event{
		ID:   "evt_bad_invoice",
		Type: domain.EventInvoicePaid,
		Data: domain.InvoiceSettled{Paid: true, Invoice: domain.InvoiceDetails{ID: "in_1", SubscriptionID: "sub_1"}},
	})

	delivery := h.deliver(payload)
	assert.Equal(t, domain.OutcomePermanentFailure, delivery.Outcome)
	assert.ErrorIs(t, delivery.Err, domain.ErrMissingField)

	record := h.record("evt_bad_invoice")
	require.NotNil(t, record)
	assert.False(t, record.Processed())
	require.NotNil(t, record.ProcessingError)
	assert.Contains(t, *record.ProcessingError, "invoice.currency")
	assert.Equal(t, 1.0, h.counter("inkpress_billing_event_failures_total"))
}

func TestUnknownEventTypeIsMarkedProcessed(t *testing.T) {
	h := newHarness(t)
	payload := h.register(&domain.Event{ID: "evt_refund", Type: "charge.refunded"})

	assert.Equal(t, domain.OutcomeIgnored, h.deliver(payload).Outcome)
	assert.True(t, h.record("evt_refund").Processed())
	assert.Equal(t, domain.OutcomeDuplicate, h.deliver(payload).Outcome)
}

func TestCheckoutEnrichment(t *testing.T) {
	h := newHarness(t)
	orgID := h.node.Generate()
	details := subscription("sub_1", "active", orgID, true)
	payload := h.register(&domain.Event{
		ID:   "evt_checkout",
		Type: domain.EventCheckoutCompleted,
		Data: domain.CheckoutCompleted{
			SessionID:         "cs_1",
			Mode:              "subscription",
			CustomerID:        "cus_1",
			SubscriptionID:    "sub_1",
			ClientReferenceID: orgID.String(),
		},
	})

	h.provider.fetchErr = &stripe.Error{HTTPStatusCode: http.StatusServiceUnavailable, Type: stripe.ErrorTypeAPI, Msg: "unavailable"}
	delivery := h.deliver(payload)
	assert.Equal(t, domain.OutcomeTransientFailure, delivery.Outcome)
	record := h.record("evt_checkout")
	require.NotNil(t, record, "the ledger row is claimed even when enrichment fails")
	require.NotNil(t, record.ProcessingError)
	assert.Equal(t, int32(0), h.router.calls.Load())

	h.provider.fetchErr = nil
	h.provider.subscription = &details
	assert.Equal(t, domain.OutcomeProcessed, h.deliver(payload).Outcome)

	sub, err := h.repo.FindSubscription(context.Background(), h.db, "sub_1")
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, int64(2500), sub.Amount)

	assert.Equal(t, domain.OutcomeDuplicate, h.deliver(payload).Outcome)
	assert.Equal(t, 2, h.provider.fetches, "finished events skip enrichment")
}

func TestCallbackFailureDoesNotFailDelivery(t *testing.T) {
	h := newHarness(t)
	orgID := h.node.Generate()
	h.createSubscription(orgID)
	billingtest.SeedMember(t, h.db, h.node, orgID, "owner@acme.test", orgdomain.RoleOwner)
	h.notifier.err = errors.New("smtp: connection refused")

	trialEnd := testNow.Add(24 * time.Hour)
	payload := h.register(&domain.Event{
		ID:   "evt_trial",
		Type: domain.EventSubscriptionTrialWillEnd,
		Data: domain.TrialWillEnd{Subscription: domain.SubscriptionDetails{ID: "sub_1", TrialEnd: &trialEnd}},
	})

	assert.Equal(t, domain.OutcomeProcessed, h.deliver(payload).Outcome)
	assert.True(t, h.record("evt_trial").Processed())
	assert.Equal(t, 1.0, h.counter("inkpress_billing_callback_failures_total"))
}

// failingMarkRepo fails the last write of the processing transaction.
type failingMarkRepo struct {
	domain.Repository
}

func (failingMarkRepo) MarkProcessed(context.Context, *gorm.DB, snowflake.ID, time.Time) error {
	return errors.New("mark processed: disk full")
}

func TestRolledBackTransactionDropsCallbacks(t *testing.T) {
	h := newHarness(t)
	orgID := h.node.Generate()
	h.createSubscription(orgID)
	billingtest.SeedMember(t, h.db, h.node, orgID, "owner@acme.test", orgdomain.RoleOwner)

	h.repo = failingMarkRepo{Repository: h.repo}
	h.build()

	trialEnd := testNow.Add(72 * time.Hour)
	payload := h.register(&domain.Event{
		ID:   "evt_trial",
		Type: domain.EventSubscriptionTrialWillEnd,
		Data: domain.TrialWillEnd{Subscription: domain.SubscriptionDetails{ID: "sub_1", TrialEnd: &trialEnd}},
	})

	delivery := h.deliver(payload)
	assert.Equal(t, domain.OutcomePermanentFailure, delivery.Outcome)
	assert.Equal(t, int32(1), h.router.calls.Load())
	assert.Equal(t, 0, h.notifier.count(), "callbacks of a rolled back transaction never run")

	record := h.record("evt_trial")
	require.NotNil(t, record)
	assert.False(t, record.Processed())
	require.NotNil(t, record.ProcessingError)
	assert.Contains(t, *record.ProcessingError, "disk full")

	sub, err := h.repo.FindSubscription(context.Background(), h.db, "sub_1")
	require.NoError(t, err)
	assert.Nil(t, sub.TrialEnd, "handler writes are rolled back with the ledger update")
}
