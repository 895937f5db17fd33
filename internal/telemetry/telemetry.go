// Package telemetry exposes auth metrics through OpenTelemetry with a
// Prometheus exporter. A nil *Provider is valid and records nothing.
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// Config holds the telemetry configuration.
type Config struct {
	ServiceName string
	Environment string
	Enabled     bool
}

// Provider owns the meter provider and the instruments.
type Provider struct {
	config        Config
	registry      *prometheus.Registry
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter

	operationCounter  metric.Int64Counter
	rateLimitCounter  metric.Int64Counter
	otpCounter        metric.Int64Counter
	revocationCounter metric.Int64Counter
}

// NewProvider creates a provider. A disabled config yields a provider whose
// Record methods are no-ops and whose Handler serves an empty registry.
func NewProvider(cfg Config) (*Provider, error) {
	p := &Provider{config: cfg, registry: prometheus.NewRegistry()}
	if !cfg.Enabled {
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	exporter, err := otelprom.New(
		otelprom.WithRegisterer(p.registry),
		otelprom.WithoutUnits(),
	)
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	p.meter = p.meterProvider.Meter(cfg.ServiceName)

	if err := p.initMetrics(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initMetrics() error {
	var err error

	p.operationCounter, err = p.meter.Int64Counter(
		"accounts.operation.total",
		metric.WithDescription("Auth operations by name and outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}

	p.rateLimitCounter, err = p.meter.Int64Counter(
		"accounts.rate_limit.denied.total",
		metric.WithDescription("Requests denied by the rate limiter"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}

	p.otpCounter, err = p.meter.Int64Counter(
		"accounts.otp.total",
		metric.WithDescription("OTP lifecycle events"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return err
	}

	p.revocationCounter, err = p.meter.Int64Counter(
		"accounts.token.revoked.total",
		metric.WithDescription("Token revocations by reason"),
		metric.WithUnit("1"),
	)
	return err
}

// Handler serves the Prometheus scrape endpoint.
func (p *Provider) Handler() http.Handler {
	if p == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.meterProvider == nil {
		return nil
	}
	return p.meterProvider.Shutdown(ctx)
}

// RecordOperation counts one orchestrator operation. outcome is "success" or
// an error code such as "invalid_credentials".
func (p *Provider) RecordOperation(ctx context.Context, op, outcome string) {
	if p == nil || p.operationCounter == nil {
		return
	}
	p.operationCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("operation", op),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordRateLimit counts a denied request. The key is not recorded; it
// contains client identity.
func (p *Provider) RecordRateLimit(ctx context.Context, action string) {
	if p == nil || p.rateLimitCounter == nil {
		return
	}
	p.rateLimitCounter.Add(ctx, 1,
		metric.WithAttributes(attribute.String("action", action)),
	)
}

// RecordOTP counts an OTP event: issued, verified, mismatch, expired, locked,
// delivery_failed.
func (p *Provider) RecordOTP(ctx context.Context, event string) {
	if p == nil || p.otpCounter == nil {
		return
	}
	p.otpCounter.Add(ctx, 1,
		metric.WithAttributes(attribute.String("event", event)),
	)
}

// RecordRevocation counts revoked tokens: logout, rotation, reset, reuse.
func (p *Provider) RecordRevocation(ctx context.Context, reason string, n int) {
	if p == nil || p.revocationCounter == nil || n <= 0 {
		return
	}
	p.revocationCounter.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
