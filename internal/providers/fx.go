package providers

import (
	"github.com/smallbiznis/inkpress/internal/providers/email"
	"github.com/smallbiznis/inkpress/internal/providers/stripe"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	email.Module,
	stripe.Module,
)
