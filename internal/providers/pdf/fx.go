package pdf

import (
	"github.com/doodleops/platform/internal/config"
	"github.com/doodleops/platform/internal/reconciler/service"
	"go.uber.org/fx"
)

var Module = fx.Module("pdf",
	fx.Provide(func(cfg config.Config) (service.ReceiptGenerator, error) {
		return New(cfg.ReceiptAssetDir)
	}),
)
