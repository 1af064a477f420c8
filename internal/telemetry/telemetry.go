// Package telemetry configures the OpenTelemetry meter provider and the
// runtime's instruments.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const meterName = "github.com/caffeineduck/harbor"

// Config selects the exporter.
type Config struct {
	OTLPEndpoint string
	ServiceName  string
	Interval     time.Duration
}

// Init returns a meter provider and its shutdown function. An empty endpoint
// yields a noop provider.
func Init(ctx context.Context, cfg Config) (metric.MeterProvider, func(context.Context) error, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	service := strings.TrimSpace(cfg.ServiceName)
	if service == "" {
		service = "harbor"
	}

	if endpoint == "" {
		mp := noop.NewMeterProvider()
		otel.SetMeterProvider(mp)
		return mp, func(context.Context) error { return nil }, nil
	}

	host, insecure, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, nil, err
	}

	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(host)}
	if insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exp, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create metric exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(service)))
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)

	return mp, mp.Shutdown, nil
}

func parseEndpoint(raw string) (string, bool, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", false, fmt.Errorf("parse otlp endpoint: %w", err)
	}
	host := parsed.Host
	if host == "" {
		host = raw
	}
	return host, parsed.Scheme != "https", nil
}

// Metrics holds the runtime instruments. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	instances metric.Int64Counter
	duration  metric.Float64Histogram
	hostCalls metric.Int64Counter
	rejected  metric.Int64Counter
}

// NewMetrics creates the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	instances, err := meter.Int64Counter("harbor_instances_total",
		metric.WithDescription("Execution instances by terminal state"))
	if err != nil {
		return nil, fmt.Errorf("create instances counter: %w", err)
	}
	duration, err := meter.Float64Histogram("harbor_instance_duration_seconds",
		metric.WithDescription("Execution instance wall time"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}
	hostCalls, err := meter.Int64Counter("harbor_host_calls_total",
		metric.WithDescription("Guest calls into bound interfaces"))
	if err != nil {
		return nil, fmt.Errorf("create host call counter: %w", err)
	}
	rejected, err := meter.Int64Counter("harbor_requests_rejected_total",
		metric.WithDescription("Requests refused by admission control"))
	if err != nil {
		return nil, fmt.Errorf("create rejected counter: %w", err)
	}

	return &Metrics{
		instances: instances,
		duration:  duration,
		hostCalls: hostCalls,
		rejected:  rejected,
	}, nil
}

// Instance records a finished instance.
func (m *Metrics) Instance(ctx context.Context, state string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("state", state))
	m.instances.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

// HostCall records one guest call into an interface operation.
func (m *Metrics) HostCall(ctx context.Context, iface, op, code string) {
	if m == nil {
		return
	}
	m.hostCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("interface", iface),
		attribute.String("operation", op),
		attribute.String("code", code),
	))
}

// Rejected records a request refused before an instance was created.
func (m *Metrics) Rejected(ctx context.Context, trigger, reason string) {
	if m == nil {
		return
	}
	m.rejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.String("reason", reason),
	))
}
