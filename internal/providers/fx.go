package providers

import (
	"github.com/GYB356/billing-management-platform-sub001/internal/providers/email"
	"github.com/GYB356/billing-management-platform-sub001/internal/providers/push"
	"github.com/GYB356/billing-management-platform-sub001/internal/providers/slack"
	"github.com/GYB356/billing-management-platform-sub001/internal/providers/sms"
	"github.com/GYB356/billing-management-platform-sub001/internal/providers/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	email.Module,
	sms.Module,
	push.Module,
	webhook.Module,
	slack.Module,
)
