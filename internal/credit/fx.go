package credit

import (
	"github.com/doodleops/platform/internal/credit/repository"
	"github.com/doodleops/platform/internal/credit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credit",
	fx.Provide(repository.New),
	fx.Provide(service.New),
)
