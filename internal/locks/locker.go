package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GYB356/billing-management-platform-sub001/internal/config"
	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const keySubscriptionLock = "recovery:subscription:lock:%s"

type Locker struct {
	client *redis.Client
	script *redis.Script
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
	}
}

func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.client == nil {
		return "", false, errors.New("lock client not configured")
	}
	if key == "" {
		return "", false, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("lock ttl must be positive")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (l *Locker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil {
		return nil
	}
	if key == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{key}, token).Err()
}

// SubscriptionLocks guards scheduling and execution for a single subscription
// so two replicas never hand out the same attempt number.
type SubscriptionLocks struct {
	locker *Locker
	ttl    time.Duration
}

func NewSubscriptionLocks(client *redis.Client, cfg config.Config) *SubscriptionLocks {
	ttl := cfg.Recovery.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &SubscriptionLocks{
		locker: NewLocker(client),
		ttl:    ttl,
	}
}

// Acquire returns ok=true with a release token when the lock was taken. When
// redis is not configured it reports success so work proceeds on the unique
// index alone.
func (s *SubscriptionLocks) Acquire(ctx context.Context, subscriptionID snowflake.ID) (string, bool, error) {
	if s == nil || s.locker == nil {
		return "", true, nil
	}
	key := fmt.Sprintf(keySubscriptionLock, subscriptionID.String())
	return s.locker.TryLock(ctx, key, s.ttl)
}

func (s *SubscriptionLocks) Release(ctx context.Context, subscriptionID snowflake.ID, token string) error {
	if s == nil || s.locker == nil || token == "" {
		return nil
	}
	key := fmt.Sprintf(keySubscriptionLock, subscriptionID.String())
	return s.locker.Release(ctx, key, token)
}
