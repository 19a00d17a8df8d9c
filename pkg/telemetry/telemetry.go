// Package telemetry exports call metrics through OpenTelemetry with a
// Prometheus scrape endpoint.
package telemetry

import (
	"context"
	"log/slog"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/teslashibe/go-salescall/pkg/agent"
	"github.com/teslashibe/go-salescall/pkg/dialogue"
	"github.com/teslashibe/go-salescall/pkg/session"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// Telemetry owns the meter provider and the call instruments.
type Telemetry struct {
	agent.NopObserver

	provider *sdkmetric.MeterProvider
	handler  http.Handler
	log      *slog.Logger

	callsStarted metric.Int64Counter
	callsEnded   metric.Int64Counter
	turns        metric.Int64Counter
	stages       metric.Int64Counter
	failures     metric.Int64Counter
	latency      metric.Float64Histogram
}

// Setup creates a meter provider exporting to a private Prometheus
// registry served by Handler.
func Setup(ctx context.Context, service, environment string, log *slog.Logger) (*Telemetry, error) {
	if log == nil {
		log = slog.Default()
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(service),
			attribute.String("deployment.environment", environment),
		),
	)
	if err != nil {
		return nil, err
	}

	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)

	t := &Telemetry{
		provider: provider,
		handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		log:      log.With("component", "telemetry"),
	}
	if err := t.instruments(provider.Meter("github.com/teslashibe/go-salescall")); err != nil {
		provider.Shutdown(ctx)
		return nil, err
	}
	t.log.Info("telemetry initialized", "exporter", "prometheus")
	return t, nil
}

func (t *Telemetry) instruments(meter metric.Meter) error {
	var err error
	if t.callsStarted, err = meter.Int64Counter("salescall.calls.started",
		metric.WithDescription("Calls opened")); err != nil {
		return err
	}
	if t.callsEnded, err = meter.Int64Counter("salescall.calls.ended",
		metric.WithDescription("Calls closed by the caller")); err != nil {
		return err
	}
	if t.turns, err = meter.Int64Counter("salescall.turns",
		metric.WithDescription("Turns appended to call history")); err != nil {
		return err
	}
	if t.stages, err = meter.Int64Counter("salescall.stage.selected",
		metric.WithDescription("Replies generated per dialogue stage")); err != nil {
		return err
	}
	if t.failures, err = meter.Int64Counter("salescall.adapter.failures",
		metric.WithDescription("Absorbed transcription, generation and synthesis failures")); err != nil {
		return err
	}
	t.latency, err = meter.Float64Histogram("salescall.turn.latency",
		metric.WithDescription("Turn latency by phase, measured from submission"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16),
	)
	return err
}

// Handler serves the Prometheus scrape endpoint.
func (t *Telemetry) Handler() http.Handler {
	return t.handler
}

// Shutdown flushes and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}

// CallStarted implements agent.Observer.
func (t *Telemetry) CallStarted(ctx context.Context, call session.Call) {
	t.callsStarted.Add(ctx, 1)
}

// TurnAppended implements agent.Observer. Stage selections are counted on
// caller turns, the point where the stage for the reply is chosen.
func (t *Telemetry) TurnAppended(ctx context.Context, callID string, turn session.Turn, stage dialogue.Stage) {
	t.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("role", string(turn.Role))))
	if turn.Role == session.RoleUser {
		t.stages.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", string(stage))))
	}
}

// TurnCompleted implements agent.Observer.
func (t *Telemetry) TurnCompleted(ctx context.Context, callID string, latency agent.Latency) {
	phases := []struct {
		name  string
		value float64
	}{
		{"asr", latency.Transcribe.Seconds()},
		{"first_token", latency.FirstToken.Seconds()},
		{"first_audio", latency.FirstAudio.Seconds()},
		{"total", latency.Total.Seconds()},
	}
	for _, p := range phases {
		if p.value <= 0 {
			continue
		}
		t.latency.Record(ctx, p.value, metric.WithAttributes(attribute.String("phase", p.name)))
	}
}

// CallEnded implements agent.Observer.
func (t *Telemetry) CallEnded(ctx context.Context, callID string) {
	t.callsEnded.Add(ctx, 1)
}

// AdapterFailed implements agent.Observer.
func (t *Telemetry) AdapterFailed(ctx context.Context, kind string, err error) {
	t.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

var _ agent.Observer = (*Telemetry)(nil)
