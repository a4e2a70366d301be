// Package metrics wires the worker's OpenTelemetry instruments. When metrics
// are disabled every instrument is a no-op with zero overhead.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// MeterName is the instrumentation scope for bridge metrics.
const MeterName = "rho-bridge"

// Config selects the exporter.
type Config struct {
	Enabled  bool
	Exporter string // "stdout" or "otlp"
	Endpoint string // otlp collector endpoint
}

// Metrics holds the worker's instruments.
type Metrics struct {
	UpdatesPolled   metric.Int64Counter
	InboundAccepted metric.Int64Counter
	InboundBlocked  metric.Int64Counter
	OutboundSent    metric.Int64Counter
	OutboundDropped metric.Int64Counter
	SendRetries     metric.Int64Counter
	PromptDuration  metric.Float64Histogram
	JobsCompleted   metric.Int64Counter
	JobsFailed      metric.Int64Counter
	ActiveJobs      metric.Int64UpDownCounter
}

// Init builds the meter provider and instruments. The returned shutdown
// flushes exporters; it is a no-op when metrics are disabled.
func Init(ctx context.Context, cfg Config) (*Metrics, func(context.Context) error, error) {
	if !cfg.Enabled {
		m, err := newInstruments(noop.NewMeterProvider().Meter(MeterName))
		return m, func(context.Context) error { return nil }, err
	}

	var exporter sdkmetric.Exporter
	var err error
	switch cfg.Exporter {
	case "", "stdout":
		exporter, err = stdoutmetric.New()
	case "otlp":
		opts := []otlpmetrichttp.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.Endpoint), otlpmetrichttp.WithInsecure())
		}
		exporter, err = otlpmetrichttp.New(ctx, opts...)
	default:
		return nil, nil, fmt.Errorf("metrics: unknown exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("metrics: exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(MeterName)))
	if err != nil {
		return nil, nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	m, err := newInstruments(provider.Meter(MeterName))
	if err != nil {
		_ = provider.Shutdown(ctx)
		return nil, nil, err
	}
	return m, provider.Shutdown, nil
}

func newInstruments(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.UpdatesPolled, err = meter.Int64Counter("rho_bridge.updates.polled",
		metric.WithDescription("Updates fetched from Telegram")); err != nil {
		return nil, err
	}
	if m.InboundAccepted, err = meter.Int64Counter("rho_bridge.inbound.accepted",
		metric.WithDescription("Messages that cleared authorization")); err != nil {
		return nil, err
	}
	if m.InboundBlocked, err = meter.Int64Counter("rho_bridge.inbound.blocked",
		metric.WithDescription("Messages blocked by authorization")); err != nil {
		return nil, err
	}
	if m.OutboundSent, err = meter.Int64Counter("rho_bridge.outbound.sent",
		metric.WithDescription("Outbound messages delivered")); err != nil {
		return nil, err
	}
	if m.OutboundDropped, err = meter.Int64Counter("rho_bridge.outbound.dropped",
		metric.WithDescription("Outbound messages dropped after failures")); err != nil {
		return nil, err
	}
	if m.SendRetries, err = meter.Int64Counter("rho_bridge.outbound.retries",
		metric.WithDescription("Send attempts rescheduled by the retry policy")); err != nil {
		return nil, err
	}
	if m.PromptDuration, err = meter.Float64Histogram("rho_bridge.prompt.duration",
		metric.WithDescription("Foreground prompt duration in seconds"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.JobsCompleted, err = meter.Int64Counter("rho_bridge.jobs.completed",
		metric.WithDescription("Background jobs completed")); err != nil {
		return nil, err
	}
	if m.JobsFailed, err = meter.Int64Counter("rho_bridge.jobs.failed",
		metric.WithDescription("Background jobs failed")); err != nil {
		return nil, err
	}
	if m.ActiveJobs, err = meter.Int64UpDownCounter("rho_bridge.jobs.active",
		metric.WithDescription("Background jobs currently running")); err != nil {
		return nil, err
	}
	return m, nil
}
