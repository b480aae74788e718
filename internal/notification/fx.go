package notification

import (
	"github.com/GYB356/billing-management-platform-sub001/internal/notification/repository"
	"github.com/GYB356/billing-management-platform-sub001/internal/notification/service"
	"go.uber.org/fx"
)

var Module = fx.Module("notification.service",
	fx.Provide(
		repository.Provide,
		service.NewDispatcher,
	),
)
