package sms

import (
	"context"

	"go.uber.org/zap"
)

type Provider interface {
	Send(ctx context.Context, to string, message string) error
}

type NoOpProvider struct{}

func (p *NoOpProvider) Send(ctx context.Context, to string, message string) error {
	return nil
}

// LogProvider stands in for a real SMS aggregator in environments without
// one; every send is recorded at info level.
type LogProvider struct {
	log *zap.Logger
}

func NewLogProvider(log *zap.Logger) *LogProvider {
	return &LogProvider{log: log.Named("providers.sms")}
}

func (p *LogProvider) Send(ctx context.Context, to string, message string) error {
	p.log.Info("sms send", zap.String("to", to), zap.Int("length", len(message)))
	return nil
}
