package invoice

import (
	"github.com/GYB356/billing-management-platform-sub001/internal/invoice/repository"
	"github.com/GYB356/billing-management-platform-sub001/internal/invoice/service"
	"go.uber.org/fx"
)

var Module = fx.Module("invoice.service",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
)
