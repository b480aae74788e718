package payment

import (
	"github.com/GYB356/billing-management-platform-sub001/internal/config"
	"github.com/GYB356/billing-management-platform-sub001/internal/payment/adapters"
	"github.com/GYB356/billing-management-platform-sub001/internal/payment/adapters/sandbox"
	"github.com/GYB356/billing-management-platform-sub001/internal/payment/domain"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

var Module = fx.Module("payment",
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			sandbox.NewFactory(),
		)
	}),
	fx.Provide(NewGateway),
)

// NewGateway builds the configured gateway for the deployment. Multi-provider
// routing keys off config; today only sandbox ships in-tree.
func NewGateway(registry *adapters.Registry, cfg config.Config) (domain.Gateway, error) {
	return registry.NewGateway(cfg.Gateway.Provider, domain.GatewayConfig{
		OrgID:  snowflake.ID(cfg.DefaultOrgID),
		APIKey: cfg.Gateway.APIKey,
	})
}
