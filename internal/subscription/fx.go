package subscription

import (
	"github.com/GYB356/billing-management-platform-sub001/internal/subscription/repository"
	"github.com/GYB356/billing-management-platform-sub001/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
