package billing

import (
	"github.com/smallbiznis/inkpress/internal/billing/handler"
	"github.com/smallbiznis/inkpress/internal/billing/repository"
	"github.com/smallbiznis/inkpress/internal/billing/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("billing",
	fx.Provide(repository.Provide),
	fx.Provide(
		fx.Annotate(handler.NewRouter, fx.As(new(webhook.Router))),
	),
	fx.Provide(webhook.NewService),
)
