// Package webhook ingests provider deliveries and applies each event exactly once.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/inkpress/internal/billing/domain"
	"github.com/smallbiznis/inkpress/internal/billing/retry"
	"github.com/smallbiznis/inkpress/internal/cache"
	"github.com/smallbiznis/inkpress/internal/clock"
	obscontext "github.com/smallbiznis/inkpress/internal/observability/context"
	"github.com/smallbiznis/inkpress/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/inkpress/internal/observability/metrics"
	"github.com/smallbiznis/inkpress/internal/observability/tracing"
	pkgdb "github.com/smallbiznis/inkpress/pkg/db"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxErrorLength = 2000

var tracer = otel.Tracer("inkpress/billing")

// Router applies a verified event inside the processing transaction.
type Router interface {
	EnrichmentTarget(event *domain.Event) string
	Route(ctx context.Context, tx *gorm.DB, event *domain.Event, enrichment domain.Enrichment) (domain.Result, error)
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	Provider domain.Provider
	Router   Router
	Cache    cache.ProcessedEvents      `optional:"true"`
	Webhook  *obsmetrics.WebhookMetrics `optional:"true"`
	Metrics  *obsmetrics.Metrics        `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	provider domain.Provider
	router   Router
	cache    cache.ProcessedEvents
	webhook  *obsmetrics.WebhookMetrics
	metrics  *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	svc := &Service{
		db:       p.DB,
		log:      p.Log.Named("billing.webhook"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		provider: p.Provider,
		router:   p.Router,
		cache:    p.Cache,
		webhook:  p.Webhook,
		metrics:  p.Metrics,
	}
	if svc.clock == nil {
		svc.clock = clock.System()
	}
	if svc.cache == nil {
		svc.cache = cache.NewMemoryProcessedEvents(svc.clock, 0)
	}
	return svc
}

// Ingest verifies payload and applies the event it carries. Errors never escape:
// every delivery ends in exactly one outcome.
func (s *Service) Ingest(ctx context.Context, payload []byte, signatureHeader string) (delivery domain.Delivery) {
	started := time.Now()
	defer func() {
		elapsed := time.Since(started)
		s.webhook.ObserveDelivery(delivery.EventType, string(delivery.Outcome), elapsed)
		s.metrics.RecordBillingEvent(ctx, delivery.EventType, string(delivery.Outcome), elapsed)
	}()

	event, err := s.provider.VerifyEvent(payload, signatureHeader)
	if err != nil {
		if errors.Is(err, domain.ErrSignatureInvalid) {
			return domain.Delivery{Outcome: domain.OutcomeSignatureInvalid, Err: err}
		}
		// Signed by the provider but not decodable; a redelivery cannot fix it.
		logger.WithContext(ctx, s.log).Error("undecodable billing event", zap.Error(err))
		s.webhook.IncFailure("", string(domain.KindPermanent), string(retry.ReasonValidation))
		return domain.Delivery{Outcome: domain.OutcomePermanentFailure, Err: err}
	}

	ctx = obscontext.WithEvent(ctx, event.ID, event.Type)
	ctx, span := tracer.Start(ctx, "billing.ingest", trace.WithAttributes(
		tracing.SafeAttributes(
			attribute.String("event_id", event.ID),
			attribute.String("event_type", event.Type),
		)...,
	))
	defer span.End()

	delivery = s.ingest(ctx, event)

	span.SetAttributes(attribute.String("outcome", string(delivery.Outcome)))
	if delivery.Err != nil {
		span.RecordError(tracing.SafeError(delivery.Err))
		if delivery.Outcome == domain.OutcomeTransientFailure {
			span.SetStatus(codes.Error, "transient failure")
		}
	}
	return delivery
}

func (s *Service) ingest(ctx context.Context, event *domain.Event) domain.Delivery {
	log := logger.WithContext(ctx, s.log)
	delivery := domain.Delivery{EventID: event.ID, EventType: event.Type}

	// Quick check, no lock. Saves the enrichment round trip for finished events.
	if s.cache.Seen(ctx, event.ID) {
		log.Debug("duplicate billing event", zap.String("source", "cache"))
		delivery.Outcome = domain.OutcomeDuplicate
		return delivery
	}
	existing, err := s.repo.FindEvent(ctx, s.db, event.ID)
	if err != nil {
		return s.fail(ctx, log, delivery, fmt.Errorf("find event: %w", err), false)
	}
	if existing.Processed() {
		s.cache.Mark(ctx, event.ID)
		log.Debug("duplicate billing event", zap.String("source", "ledger"))
		delivery.Outcome = domain.OutcomeDuplicate
		return delivery
	}

	// Enrichment runs before any row lock is taken.
	var enrichment domain.Enrichment
	var enrichErr error
	if target := s.router.EnrichmentTarget(event); target != "" {
		enrichment, enrichErr = s.enrich(ctx, target)
	}

	claimed, err := s.claim(ctx, event)
	if err != nil {
		return s.fail(ctx, log, delivery, fmt.Errorf("claim event: %w", err), false)
	}
	if !claimed {
		log.Debug("billing event already on ledger")
	}
	if enrichErr != nil {
		return s.fail(ctx, log, delivery, enrichErr, true)
	}

	var (
		result      domain.Result
		lockOutcome domain.Outcome
	)
	err = pkgdb.Transact(ctx, s.db, func(tx *gorm.DB) error {
		record, err := s.repo.LockEvent(ctx, tx, event.ID)
		if err != nil {
			return fmt.Errorf("lock event: %w", err)
		}
		if record == nil {
			s.webhook.IncLockResult(obsmetrics.LockResultSkipped)
			lockOutcome = domain.OutcomeConcurrent
			return nil
		}
		if record.Processed() {
			s.webhook.IncLockResult(obsmetrics.LockResultProcessed)
			lockOutcome = domain.OutcomeDuplicate
			return nil
		}
		s.webhook.IncLockResult(obsmetrics.LockResultAcquired)

		now := s.clock.Now()
		if err := s.repo.BeginAttempt(ctx, tx, record.ID, now); err != nil {
			return fmt.Errorf("begin attempt: %w", err)
		}
		result, err = s.router.Route(ctx, tx, event, enrichment)
		if err != nil {
			return err
		}
		if err := s.repo.LinkEvent(ctx, tx, record.ID, result.OrgID, result.SubscriptionID); err != nil {
			return fmt.Errorf("link event: %w", err)
		}
		if err := s.repo.MarkProcessed(ctx, tx, record.ID, now); err != nil {
			return fmt.Errorf("mark processed: %w", err)
		}
		return nil
	})
	if err != nil {
		return s.fail(ctx, log, delivery, err, true)
	}

	switch lockOutcome {
	case domain.OutcomeConcurrent:
		log.Info("billing event locked by another delivery")
		delivery.Outcome = lockOutcome
		return delivery
	case domain.OutcomeDuplicate:
		s.cache.Mark(ctx, event.ID)
		log.Debug("duplicate billing event", zap.String("source", "lock"))
		delivery.Outcome = lockOutcome
		return delivery
	}

	s.cache.Mark(ctx, event.ID)
	if result.OrgID != nil {
		ctx = obscontext.WithOrgID(ctx, result.OrgID.String())
		log = logger.WithContext(ctx, s.log)
	}
	s.runAfterCommit(ctx, log, event, result.AfterCommit)

	delivery.Outcome = domain.OutcomeProcessed
	if result.Ignored {
		delivery.Outcome = domain.OutcomeIgnored
	}
	log.Info("billing event applied", zap.String("outcome", string(delivery.Outcome)))
	return delivery
}

func (s *Service) enrich(ctx context.Context, subscriptionID string) (domain.Enrichment, error) {
	ctx, span := tracer.Start(ctx, "billing.enrich")
	defer span.End()

	started := time.Now()
	details, err := s.provider.FetchSubscription(ctx, subscriptionID)
	s.webhook.ObserveEnrichment(time.Since(started), err)
	if err != nil {
		span.RecordError(tracing.SafeError(err))
		return domain.Enrichment{}, fmt.Errorf("enrich event: %w", err)
	}
	return domain.Enrichment{Subscription: details}, nil
}

// claim inserts the ledger row if it is absent. Concurrent claims are safe: the
// loser's insert is a no-op and both go on to the lock.
func (s *Service) claim(ctx context.Context, event *domain.Event) (bool, error) {
	now := s.clock.Now()
	payload := event.Raw
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	return s.repo.InsertEvent(ctx, s.db, &domain.EventRecord{
		ID:         s.genID.Generate(),
		EventID:    event.ID,
		EventType:  event.Type,
		Payload:    datatypes.JSON(payload),
		ReceivedAt: now,
		UpdatedAt:  now,
	})
}

// runAfterCommit runs deferred side effects in order. A failing callback is
// logged and counted; the state change it followed is already durable.
func (s *Service) runAfterCommit(ctx context.Context, log *zap.Logger, event *domain.Event, callbacks []domain.AfterCommit) {
	for i, fn := range callbacks {
		if err := s.invoke(ctx, fn); err != nil {
			s.webhook.IncCallbackFailure(event.Type)
			log.Error("post-commit callback failed", zap.Int("callback", i), zap.Error(err))
		}
	}
}

func (s *Service) invoke(ctx context.Context, fn domain.AfterCommit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()
	return fn(ctx)
}

// fail classifies err and, when the ledger row exists, stores it there. The row
// stays unprocessed either way so a later delivery can still apply the event.
func (s *Service) fail(ctx context.Context, log *zap.Logger, delivery domain.Delivery, err error, recorded bool) domain.Delivery {
	decision := retry.Explain(err)
	delivery.Err = err
	delivery.Outcome = domain.OutcomePermanentFailure
	if decision.Retryable() {
		delivery.Outcome = domain.OutcomeTransientFailure
	}

	if recorded {
		writeCtx := context.WithoutCancel(ctx)
		if recErr := s.repo.RecordFailure(writeCtx, s.db, delivery.EventID, truncate(err.Error(), maxErrorLength), s.clock.Now()); recErr != nil {
			log.Error("record processing failure", zap.NamedError("record_error", recErr), zap.Error(err))
		}
	}
	s.webhook.IncFailure(delivery.EventType, string(decision.Kind), string(decision.Reason))

	fields := []zap.Field{
		zap.String("error_kind", string(decision.Kind)),
		zap.String("reason", string(decision.Reason)),
		zap.Error(err),
	}
	if decision.Retryable() {
		log.Warn("billing event failed, redelivery requested", fields...)
	} else {
		log.Error("billing event failed permanently", fields...)
	}
	return delivery
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
