package reconciler

import (
	"github.com/doodleops/platform/internal/config"
	"github.com/doodleops/platform/internal/reconciler/repository"
	"github.com/doodleops/platform/internal/reconciler/service"
	"github.com/doodleops/platform/internal/reconciler/stripe"
	"go.uber.org/fx"
)

var Module = fx.Module("reconciler",
	fx.Provide(func(cfg config.Config) (*stripe.Adapter, error) {
		return stripe.NewAdapter(cfg.StripeWebhookSecret)
	}),
	fx.Provide(repository.New),
	fx.Provide(service.New),
)
