package webhook

import (
	"github.com/GYB356/billing-management-platform-sub001/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("providers.webhook",
	fx.Provide(func(cfg config.Config) Provider {
		return NewHTTP(Config{
			Timeout:       cfg.Recovery.DeliveryTimeout,
			SigningSecret: cfg.WebhookSigningSecret,
		})
	}),
)
