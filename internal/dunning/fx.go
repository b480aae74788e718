package dunning

import (
	"github.com/GYB356/billing-management-platform-sub001/internal/dunning/repository"
	"github.com/GYB356/billing-management-platform-sub001/internal/dunning/service"
	"go.uber.org/fx"
)

var Module = fx.Module("dunning.service",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
)
