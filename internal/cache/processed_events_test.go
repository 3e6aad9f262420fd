package cache

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/inkpress/internal/clock"
	"github.com/smallbiznis/inkpress/internal/config"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestMemoryProcessedEventsExpire(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewMemoryProcessedEvents(clk, time.Minute)

	assert.False(t, c.Seen(ctx, "evt_1"))
	c.Mark(ctx, "evt_1")
	assert.True(t, c.Seen(ctx, "evt_1"))

	clk.Advance(59 * time.Second)
	assert.True(t, c.Seen(ctx, "evt_1"))

	clk.Advance(time.Second)
	assert.False(t, c.Seen(ctx, "evt_1"))
}

func TestMemoryProcessedEventsIgnoresBlankIDs(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryProcessedEvents(nil, time.Minute)

	c.Mark(ctx, "  ")
	assert.False(t, c.Seen(ctx, ""))
}

func TestMarkSweepsExpiredEntries(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewMemoryProcessedEvents(clk, time.Minute).(*memoryProcessedEvents)

	c.Mark(ctx, "evt_old")
	clk.Advance(2 * time.Minute)
	c.Mark(ctx, "evt_new")

	assert.Len(t, c.expires, 1)
}

func TestMarkSweepsAtMostOncePerInterval(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewMemoryProcessedEvents(clk, 10*time.Minute).(*memoryProcessedEvents)
	assert.Equal(t, maxSweepInterval, c.sweepEvery)

	c.Mark(ctx, "evt_a") // sweeps, next sweep at +5m
	clk.Advance(time.Minute)
	c.Mark(ctx, "evt_b") // expires at +11m

	clk.Advance(11 * time.Minute) // +12m, both expired
	c.Mark(ctx, "evt_c")          // sweeps, next sweep at +17m
	assert.Len(t, c.expires, 1)

	c.Mark(ctx, "evt_d")
	clk.Advance(10 * time.Minute) // +22m, c and d expired
	c.Mark(ctx, "evt_e")          // sweeps
	assert.Len(t, c.expires, 1)
	assert.False(t, c.Seen(ctx, "evt_c"))
}

func TestMarkSkipsSweepWithinInterval(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewMemoryProcessedEvents(clk, 10*time.Minute).(*memoryProcessedEvents)

	clk.Advance(4 * time.Minute)
	c.Mark(ctx, "evt_a") // first mark sweeps, next sweep at +9m
	clk.Advance(time.Minute)
	c.Mark(ctx, "evt_short")
	c.expires["evt_short"] = clk.Now() // already expired, not yet swept

	clk.Advance(time.Minute) // +6m
	c.Mark(ctx, "evt_b")
	assert.Len(t, c.expires, 3, "no scan before the interval elapses")

	clk.Advance(3 * time.Minute) // +9m
	c.Mark(ctx, "evt_c")
	assert.Len(t, c.expires, 3, "expired entry removed by the due sweep")
	_, ok := c.expires["evt_short"]
	assert.False(t, ok)
}

func TestNewProcessedEventsFallsBackToMemory(t *testing.T) {
	c := NewProcessedEvents(config.Config{}, clock.System(), zap.NewNop())
	_, ok := c.(*memoryProcessedEvents)
	assert.True(t, ok)
}

func TestNewProcessedEventsUsesRedisWhenConfigured(t *testing.T) {
	cfg := config.Config{Redis: config.RedisConfig{Addr: "127.0.0.1:6379"}}
	c := NewProcessedEvents(cfg, clock.System(), zap.NewNop())
	_, ok := c.(*redisProcessedEvents)
	assert.True(t, ok)
}
