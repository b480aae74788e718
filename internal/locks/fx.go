package locks

import "go.uber.org/fx"

var Module = fx.Module("locks",
	fx.Provide(NewRedisClient),
	fx.Provide(NewSubscriptionLocks),
)
