package usage

import (
	"github.com/doodleops/platform/internal/usage/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("usage",
	fx.Provide(repository.New),
)
