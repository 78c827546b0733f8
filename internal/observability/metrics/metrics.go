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
	publishAttempts     metric.Int64Counter
	webhookEvents       metric.Int64Counter
	creditOps           metric.Int64Counter
	reservationsSwept   metric.Int64Counter
	notificationsWrites metric.Int64Counter
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

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "publica"
	}
	meter := provider.Meter(name)

	publishAttempts, err := meter.Int64Counter("publica_publish_attempts_total")
	if err != nil {
		return nil, err
	}
	webhookEvents, err := meter.Int64Counter("publica_webhook_events_total")
	if err != nil {
		return nil, err
	}
	creditOps, err := meter.Int64Counter("publica_credit_operations_total")
	if err != nil {
		return nil, err
	}
	reservationsSwept, err := meter.Int64Counter("publica_reservations_swept_total")
	if err != nil {
		return nil, err
	}
	notificationsWrites, err := meter.Int64Counter("publica_notifications_written_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		publishAttempts:     publishAttempts,
		webhookEvents:       webhookEvents,
		creditOps:           creditOps,
		reservationsSwept:   reservationsSwept,
		notificationsWrites: notificationsWrites,
	}, nil
}

// RecordPublishAttempt increments publish attempt counts per platform/outcome.
func (m *Metrics) RecordPublishAttempt(ctx context.Context, platform, outcome string) {
	if m == nil {
		return
	}
	attrs := filterAttributes(
		attribute.String("platform", strings.TrimSpace(platform)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.publishAttempts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordWebhookEvent increments webhook event counts.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, eventType, outcome string) {
	if m == nil {
		return
	}
	attrs := filterAttributes(
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCreditOp increments ledger operation counts.
func (m *Metrics) RecordCreditOp(ctx context.Context, op string) {
	if m == nil {
		return
	}
	attrs := filterAttributes(attribute.String("op", strings.TrimSpace(op)))
	m.creditOps.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordReservationsSwept counts reservations released by the expiry sweep.
func (m *Metrics) RecordReservationsSwept(ctx context.Context, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.reservationsSwept.Add(ctx, int64(count))
}

// RecordNotification increments notification write counts.
func (m *Metrics) RecordNotification(ctx context.Context, notifType string) {
	if m == nil {
		return
	}
	attrs := filterAttributes(attribute.String("type", strings.TrimSpace(notifType)))
	m.notificationsWrites.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func filterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if attr.Value.AsString() == "" {
			continue
		}
		out = append(out, attr)
	}
	return out
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "", "grpc":
		return otlpmetricgrpc.New(context.Background(),
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "http", "http/protobuf":
		return otlpmetrichttp.New(context.Background(),
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unsupported otlp protocol %q", protocol)
	}
}
