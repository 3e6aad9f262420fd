package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/inkpress/internal/billing"
	"github.com/smallbiznis/inkpress/internal/cache"
	"github.com/smallbiznis/inkpress/internal/clock"
	"github.com/smallbiznis/inkpress/internal/config"
	"github.com/smallbiznis/inkpress/internal/migration"
	"github.com/smallbiznis/inkpress/internal/notification"
	"github.com/smallbiznis/inkpress/internal/observability"
	"github.com/smallbiznis/inkpress/internal/organization"
	"github.com/smallbiznis/inkpress/internal/providers"
	"github.com/smallbiznis/inkpress/internal/server"
	"github.com/smallbiznis/inkpress/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		cache.Module,

		// Collaborators
		organization.Module,
		providers.Module,
		notification.Module,

		// Billing ingestion
		billing.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
