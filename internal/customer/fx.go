package customer

import (
	"github.com/GYB356/billing-management-platform-sub001/internal/customer/repository"
	"github.com/GYB356/billing-management-platform-sub001/internal/customer/service"
	"go.uber.org/fx"
)

var Module = fx.Module("customer.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
