package stripe

import (
	"github.com/smallbiznis/inkpress/internal/billing/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("providers.stripe",
	fx.Provide(
		fx.Annotate(NewClient, fx.As(new(domain.Provider))),
	),
)
