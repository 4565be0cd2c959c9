package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/subledger/internal/clock"
	"github.com/smallbiznis/subledger/internal/config"
	"github.com/smallbiznis/subledger/internal/invoice"
	"github.com/smallbiznis/subledger/internal/logger"
	"github.com/smallbiznis/subledger/internal/migration"
	"github.com/smallbiznis/subledger/internal/payment"
	"github.com/smallbiznis/subledger/internal/plan"
	"github.com/smallbiznis/subledger/internal/scheduler"
	"github.com/smallbiznis/subledger/internal/subscription"
	"github.com/smallbiznis/subledger/internal/webhook"
	"github.com/smallbiznis/subledger/pkg/db"
	"go.uber.org/fx"
)

// Standalone sweep worker. Runs the same jobs as the monolith, typically
// split out with SCHEDULER_ENABLED_JOBS so replicas divide the work.
func main() {
	fx.New(
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Domain services required by the sweeps
		subscription.Module,
		plan.Module,
		invoice.Module,
		payment.Module,
		webhook.Module,

		scheduler.Module,
	).Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
