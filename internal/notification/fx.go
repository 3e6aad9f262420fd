package notification

import (
	billingdomain "github.com/smallbiznis/inkpress/internal/billing/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("notification",
	fx.Provide(
		fx.Annotate(NewNotifier, fx.As(new(billingdomain.Notifier))),
	),
)
