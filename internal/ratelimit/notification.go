package ratelimit

import (
	"context"
	"fmt"
	"strings"

	"github.com/GYB356/billing-management-platform-sub001/internal/config"
	redis "github.com/redis/go-redis/v9"
)

const keyNotifyCustomer = "notify:customer:%s"

// NotificationLimiter bounds dunning notification volume per customer. When
// disabled or when redis is absent every send is allowed.
type NotificationLimiter struct {
	enabled bool

	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewNotificationLimiter(cfg config.Config, client *redis.Client) *NotificationLimiter {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled || client == nil {
		return &NotificationLimiter{}
	}
	return &NotificationLimiter{
		enabled: true,
		bucket:  NewTokenBucket(client),
		rate:    limitCfg.CustomerRate,
		burst:   limitCfg.CustomerBurst,
	}
}

func (l *NotificationLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *NotificationLimiter) AllowCustomer(ctx context.Context, customerID string) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyNotifyCustomer, strings.TrimSpace(customerID)), l.rate, l.burst)
}
