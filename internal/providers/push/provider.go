package push

import (
	"context"

	"go.uber.org/zap"
)

type Provider interface {
	Send(ctx context.Context, deviceToken string, title string, body string) error
}

type NoOpProvider struct{}

func (p *NoOpProvider) Send(ctx context.Context, deviceToken string, title string, body string) error {
	return nil
}

// LogProvider stands in for a real push service in environments without one.
type LogProvider struct {
	log *zap.Logger
}

func NewLogProvider(log *zap.Logger) *LogProvider {
	return &LogProvider{log: log.Named("providers.push")}
}

func (p *LogProvider) Send(ctx context.Context, deviceToken string, title string, body string) error {
	p.log.Info("push send", zap.String("title", title))
	return nil
}
