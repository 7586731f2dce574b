package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/alertbilling/internal/account"
	"github.com/smallbiznis/alertbilling/internal/alert"
	"github.com/smallbiznis/alertbilling/internal/audit"
	"github.com/smallbiznis/alertbilling/internal/charge"
	"github.com/smallbiznis/alertbilling/internal/clock"
	"github.com/smallbiznis/alertbilling/internal/config"
	"github.com/smallbiznis/alertbilling/internal/directdebit"
	"github.com/smallbiznis/alertbilling/internal/lease"
	"github.com/smallbiznis/alertbilling/internal/ledger"
	"github.com/smallbiznis/alertbilling/internal/metricspush"
	"github.com/smallbiznis/alertbilling/internal/migration"
	"github.com/smallbiznis/alertbilling/internal/notification"
	"github.com/smallbiznis/alertbilling/internal/observability"
	"github.com/smallbiznis/alertbilling/internal/reconciliation"
	"github.com/smallbiznis/alertbilling/internal/retry"
	"github.com/smallbiznis/alertbilling/internal/scheduler"
	"github.com/smallbiznis/alertbilling/internal/settlement"
	"github.com/smallbiznis/alertbilling/internal/sysconfig"
	"github.com/smallbiznis/alertbilling/pkg/db"
	"go.uber.org/fx"
)

// alertbilling applies migrations and seeds the retry policy before
// starting the batch worker.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		lease.Module,
		metricspush.Module,
		migration.Module,

		// Stores and shared services
		account.Module,
		alert.Module,
		ledger.Module,
		audit.Module,
		sysconfig.Module,
		notification.Module,

		// Batch processors
		charge.Module,
		directdebit.Module,
		retry.Module,
		reconciliation.Module,
		settlement.Module,

		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.WorkerID)
}
