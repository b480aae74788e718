package slack

import (
	"github.com/GYB356/billing-management-platform-sub001/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("providers.slack",
	fx.Provide(func(cfg config.Config) Provider {
		return NewWebhook(cfg.SlackWebhookURL)
	}),
)
