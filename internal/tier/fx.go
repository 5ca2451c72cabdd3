package tier

import (
	"github.com/doodleops/platform/internal/tier/service"
	"go.uber.org/fx"
)

var Module = fx.Module("tier",
	fx.Provide(service.New),
)
