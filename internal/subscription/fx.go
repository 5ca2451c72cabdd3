package subscription

import (
	"github.com/doodleops/platform/internal/subscription/repository"
	"github.com/doodleops/platform/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription",
	fx.Provide(repository.New),
	fx.Provide(service.New),
)
