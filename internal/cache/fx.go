package cache

import (
	"io"

	"github.com/smallbiznis/inkpress/internal/clock"
	"github.com/smallbiznis/inkpress/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("cache",
	fx.Provide(provideProcessedEvents),
)

func provideProcessedEvents(lc fx.Lifecycle, cfg config.Config, clk clock.Clock, log *zap.Logger) ProcessedEvents {
	events := NewProcessedEvents(cfg, clk, log)
	if closer, ok := events.(io.Closer); ok {
		lc.Append(fx.StopHook(closer.Close))
	}
	return events
}
