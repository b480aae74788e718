package push

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.push",
	fx.Provide(func(log *zap.Logger) Provider {
		return NewLogProvider(log)
	}),
)
