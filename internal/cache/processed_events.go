// Package cache holds short-lived lookups that front the billing event ledger.
package cache

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/inkpress/internal/clock"
	"github.com/smallbiznis/inkpress/internal/config"
	"go.uber.org/zap"
)

const (
	defaultProcessedTTL = 24 * time.Hour
	maxSweepInterval    = 5 * time.Minute
	processedKeyPrefix  = "inkpress:billing:processed:"
)

// ProcessedEvents remembers event ids known to be fully applied. It only ever
// short-circuits work: a miss falls through to the durable ledger.
type ProcessedEvents interface {
	Seen(ctx context.Context, eventID string) bool
	Mark(ctx context.Context, eventID string)
}

// NewProcessedEvents picks Redis when configured and an in-process map otherwise.
func NewProcessedEvents(cfg config.Config, clk clock.Clock, log *zap.Logger) ProcessedEvents {
	ttl := cfg.ProcessedEventCacheTTL
	if ttl <= 0 {
		ttl = defaultProcessedTTL
	}
	if cfg.Redis.Enabled() {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return NewRedisProcessedEvents(client, ttl, log)
	}
	return NewMemoryProcessedEvents(clk, ttl)
}

type memoryProcessedEvents struct {
	mu         sync.Mutex
	clock      clock.Clock
	ttl        time.Duration
	sweepEvery time.Duration
	nextSweep  time.Time
	expires    map[string]time.Time
}

// NewMemoryProcessedEvents returns a per-process cache. Entries expire after ttl.
func NewMemoryProcessedEvents(clk clock.Clock, ttl time.Duration) ProcessedEvents {
	if clk == nil {
		clk = clock.System()
	}
	if ttl <= 0 {
		ttl = defaultProcessedTTL
	}
	return &memoryProcessedEvents{
		clock:      clk,
		ttl:        ttl,
		sweepEvery: min(ttl, maxSweepInterval),
		expires:    make(map[string]time.Time),
	}
}

func (c *memoryProcessedEvents) Seen(_ context.Context, eventID string) bool {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt, ok := c.expires[eventID]
	if !ok {
		return false
	}
	if !c.clock.Now().Before(expiresAt) {
		delete(c.expires, eventID)
		return false
	}
	return true
}

func (c *memoryProcessedEvents) Mark(_ context.Context, eventID string) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	c.expires[eventID] = now.Add(c.ttl)
	if now.Before(c.nextSweep) {
		return
	}
	// At most one full scan per sweep interval keeps Mark cheap.
	c.nextSweep = now.Add(c.sweepEvery)
	for id, expiresAt := range c.expires {
		if !now.Before(expiresAt) {
			delete(c.expires, id)
		}
	}
}

type redisProcessedEvents struct {
	client redis.Cmdable
	ttl    time.Duration
	log    *zap.Logger
}

// NewRedisProcessedEvents shares the processed set across replicas. Redis errors
// are logged and read as a miss.
func NewRedisProcessedEvents(client redis.Cmdable, ttl time.Duration, log *zap.Logger) ProcessedEvents {
	if log == nil {
		log = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = defaultProcessedTTL
	}
	return &redisProcessedEvents{client: client, ttl: ttl, log: log.Named("cache.processed_events")}
}

// Close releases the Redis connection pool when the client owns one.
func (c *redisProcessedEvents) Close() error {
	if closer, ok := c.client.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (c *redisProcessedEvents) Seen(ctx context.Context, eventID string) bool {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return false
	}
	n, err := c.client.Exists(ctx, processedKeyPrefix+eventID).Result()
	if err != nil {
		c.log.Warn("processed event lookup failed", zap.String("event_id", eventID), zap.Error(err))
		return false
	}
	return n > 0
}

func (c *redisProcessedEvents) Mark(ctx context.Context, eventID string) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return
	}
	if err := c.client.Set(ctx, processedKeyPrefix+eventID, 1, c.ttl).Err(); err != nil {
		c.log.Warn("processed event mark failed", zap.String("event_id", eventID), zap.Error(err))
	}
}
