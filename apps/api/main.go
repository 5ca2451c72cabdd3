package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/doodleops/platform/internal/clock"
	"github.com/doodleops/platform/internal/config"
	"github.com/doodleops/platform/internal/costgate"
	"github.com/doodleops/platform/internal/credit"
	"github.com/doodleops/platform/internal/migration"
	"github.com/doodleops/platform/internal/observability/metrics"
	"github.com/doodleops/platform/internal/providers/pdf"
	"github.com/doodleops/platform/internal/reconciler"
	"github.com/doodleops/platform/internal/server"
	"github.com/doodleops/platform/internal/subscription"
	"github.com/doodleops/platform/internal/tier"
	"github.com/doodleops/platform/internal/usage"
	"github.com/doodleops/platform/pkg/db"
	"github.com/doodleops/platform/pkg/kv"
	"github.com/doodleops/platform/pkg/log"
)

func main() {
	app := fx.New(
		config.Module,
		log.Module,
		metrics.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		kv.Module,
		clock.Module,
		migration.Module,

		credit.Module,
		subscription.Module,
		usage.Module,
		tier.Module,
		costgate.Module,
		reconciler.Module,
		pdf.Module,

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
