package organization

import (
	"github.com/smallbiznis/inkpress/internal/organization/repository"
	"github.com/smallbiznis/inkpress/internal/organization/service"
	"go.uber.org/fx"
)

var Module = fx.Module("organization.directory",
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewDirectory),
)
