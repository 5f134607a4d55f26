package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/hookline/internal/account"
	"github.com/smallbiznis/hookline/internal/commet"
	"github.com/smallbiznis/hookline/internal/config"
	"github.com/smallbiznis/hookline/internal/entitlement"
	"github.com/smallbiznis/hookline/internal/migration"
	"github.com/smallbiznis/hookline/internal/observability"
	"github.com/smallbiznis/hookline/internal/ratelimit"
	"github.com/smallbiznis/hookline/internal/server"
	"github.com/smallbiznis/hookline/internal/webhook"
	"github.com/smallbiznis/hookline/internal/webhook/retry"
	"github.com/smallbiznis/hookline/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		migration.Module,

		// Domains
		account.Module,
		entitlement.Module,
		commet.Module,
		webhook.Module,
		retry.Module,
		ratelimit.Module,

		// HTTP edge
		server.Module,
	)
	app.Run()
}

func registerSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
