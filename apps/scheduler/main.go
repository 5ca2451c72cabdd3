package main

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/doodleops/platform/internal/clock"
	"github.com/doodleops/platform/internal/config"
	"github.com/doodleops/platform/internal/credit"
	"github.com/doodleops/platform/internal/migration"
	"github.com/doodleops/platform/internal/observability/metrics"
	"github.com/doodleops/platform/internal/reconciler"
	"github.com/doodleops/platform/internal/scheduler"
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
		fx.Provide(SchedulerConfig),
		db.Module,
		kv.Module,
		clock.Module,
		migration.Module,

		// Domain services the jobs drive.
		credit.Module,
		subscription.Module,
		usage.Module,
		tier.Module,
		reconciler.Module,

		// No server module.
		scheduler.Module,
		fx.Invoke(StartScheduler),
	)
	app.Run()
}

// SchedulerConfig maps the process environment onto the job loop knobs.
func SchedulerConfig(cfg config.Config) scheduler.Config {
	return scheduler.Config{
		MaxAttempts:  cfg.WebhookMaxAttempts,
		RetryBackoff: cfg.WebhookRetryBackoff,
		AuditTTL:     cfg.WebhookAuditTTL,
	}
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(2)
	if err != nil {
		panic(err)
	}
	return node
}

func StartScheduler(lc fx.Lifecycle, s *scheduler.Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go s.RunForever(context.Background())
			return nil
		},
	})
}
