package retry

import (
	"github.com/GYB356/billing-management-platform-sub001/internal/retry/repository"
	"github.com/GYB356/billing-management-platform-sub001/internal/retry/service"
	"go.uber.org/fx"
)

var Module = fx.Module("retry.service",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
)
