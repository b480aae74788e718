package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	chargeAttempts  metric.Int64Counter
	recoveredAmount metric.Int64Counter
	notifications   metric.Int64Counter
	dunningSteps    metric.Int64Counter
	stateChanges    metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "billing-recovery"
	}
	meter := provider.Meter(name)

	chargeAttempts, err := meter.Int64Counter("billing_recovery_charge_attempts_total")
	if err != nil {
		return nil, err
	}
	recoveredAmount, err := meter.Int64Counter("billing_recovery_recovered_amount_cents_total")
	if err != nil {
		return nil, err
	}
	notifications, err := meter.Int64Counter("billing_recovery_notifications_total")
	if err != nil {
		return nil, err
	}
	dunningSteps, err := meter.Int64Counter("billing_recovery_dunning_steps_total")
	if err != nil {
		return nil, err
	}
	stateChanges, err := meter.Int64Counter("billing_recovery_subscription_transitions_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		chargeAttempts:  chargeAttempts,
		recoveredAmount: recoveredAmount,
		notifications:   notifications,
		dunningSteps:    dunningSteps,
		stateChanges:    stateChanges,
	}, nil
}

// RecordChargeAttempt increments charge attempt counts by outcome.
func (m *Metrics) RecordChargeAttempt(ctx context.Context, strategy, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("strategy", strings.TrimSpace(strategy)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.chargeAttempts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRecoveredAmount accumulates successfully recovered revenue in cents.
func (m *Metrics) RecordRecoveredAmount(ctx context.Context, currency string, cents int64) {
	if m == nil || cents <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("currency", strings.TrimSpace(currency)))
	m.recoveredAmount.Add(ctx, cents, metric.WithAttributes(attrs...))
}

// RecordNotification increments notification delivery counts per channel.
func (m *Metrics) RecordNotification(ctx context.Context, channel, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("channel", strings.TrimSpace(channel)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.notifications.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDunningStep increments executed dunning step counts by action.
func (m *Metrics) RecordDunningStep(ctx context.Context, action string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("action", strings.TrimSpace(action)))
	m.dunningSteps.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSubscriptionTransition increments subscription state change counts.
func (m *Metrics) RecordSubscriptionTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("from", strings.TrimSpace(from)),
		attribute.String("to", strings.TrimSpace(to)),
	)
	m.stateChanges.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"strategy": {},
	"outcome":  {},
	"channel":  {},
	"status":   {},
	"action":   {},
	"currency": {},
	"from":     {},
	"to":       {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
