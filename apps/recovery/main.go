package main

import (
	"github.com/GYB356/billing-management-platform-sub001/internal/audit"
	"github.com/GYB356/billing-management-platform-sub001/internal/clock"
	"github.com/GYB356/billing-management-platform-sub001/internal/config"
	"github.com/GYB356/billing-management-platform-sub001/internal/customer"
	"github.com/GYB356/billing-management-platform-sub001/internal/dunning"
	"github.com/GYB356/billing-management-platform-sub001/internal/invoice"
	"github.com/GYB356/billing-management-platform-sub001/internal/locks"
	"github.com/GYB356/billing-management-platform-sub001/internal/notification"
	"github.com/GYB356/billing-management-platform-sub001/internal/observability"
	"github.com/GYB356/billing-management-platform-sub001/internal/payment"
	"github.com/GYB356/billing-management-platform-sub001/internal/providers"
	"github.com/GYB356/billing-management-platform-sub001/internal/ratelimit"
	"github.com/GYB356/billing-management-platform-sub001/internal/retry"
	"github.com/GYB356/billing-management-platform-sub001/internal/risk"
	"github.com/GYB356/billing-management-platform-sub001/internal/scheduler"
	"github.com/GYB356/billing-management-platform-sub001/internal/subscription"
	"github.com/GYB356/billing-management-platform-sub001/pkg/db"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

// The recovery binary runs only the orchestrator loop. API surfaces live
// elsewhere; this process can be scaled independently and replicas contend
// for work via SKIP LOCKED claims.
func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		locks.Module,
		ratelimit.Module,

		providers.Module,
		payment.Module,

		audit.Module,
		customer.Module,
		subscription.Module,
		invoice.Module,
		notification.Module,
		risk.Module,
		retry.Module,
		dunning.Module,

		scheduler.Module,
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
