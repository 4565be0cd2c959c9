package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subledger/internal/app"
	"github.com/smallbiznis/subledger/internal/clock"
	"github.com/smallbiznis/subledger/internal/config"
	"github.com/smallbiznis/subledger/internal/customer"
	"github.com/smallbiznis/subledger/internal/invoice"
	"github.com/smallbiznis/subledger/internal/logger"
	"github.com/smallbiznis/subledger/internal/migration"
	"github.com/smallbiznis/subledger/internal/payment"
	"github.com/smallbiznis/subledger/internal/plan"
	"github.com/smallbiznis/subledger/internal/scheduler"
	"github.com/smallbiznis/subledger/internal/server"
	"github.com/smallbiznis/subledger/internal/subscription"
	"github.com/smallbiznis/subledger/internal/webhook"
	"github.com/smallbiznis/subledger/pkg/db"
	"go.uber.org/fx"
)

func main() {
	fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Functional domains
		app.Module,
		plan.Module,
		customer.Module,
		subscription.Module,
		invoice.Module,
		payment.Module,
		webhook.Module,

		scheduler.Module,
		server.Module,
	).Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
