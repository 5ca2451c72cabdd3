package costgate

import "go.uber.org/fx"

var Module = fx.Module("costgate",
	fx.Provide(New),
)
