// Package telemetry exports DPU server metrics over OTLP.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Metrics contains the instruments of one DPU server.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	// Collective wall time from sync record to reply
	collDuration metric.Float64Histogram

	collCounter     metric.Int64Counter
	elementsCounter metric.Int64Counter
	teamOpCounter   metric.Int64Counter
	jobCounter      metric.Int64Counter
}

// collectorEndpoint splits an otel collector address into its exporter
// scheme and host:port. Schemeless addresses default to grpc.
func collectorEndpoint(collectorAddr string) (scheme, endpoint string, err error) {
	parsedURL, err := url.Parse(collectorAddr)
	if err != nil {
		// "10.0.0.1:4317" is not a URL
		if !strings.Contains(collectorAddr, "/") && strings.Contains(collectorAddr, ":") {
			return "grpc", collectorAddr, nil
		}
		return "", "", fmt.Errorf("failed to parse otel-collector-addr '%s': %w", collectorAddr, err)
	}

	endpoint = parsedURL.Host
	if parsedURL.Host == "" {
		switch {
		case parsedURL.Opaque != "" && !strings.Contains(parsedURL.Opaque, "/"):
			// "localhost:4317" parses as scheme "localhost" with opaque "4317"
			endpoint = collectorAddr
			parsedURL.Scheme = ""
		case parsedURL.Path != "" && !strings.Contains(parsedURL.Path, "/"):
			endpoint = parsedURL.Path
		case collectorAddr != "" && !strings.Contains(collectorAddr, "/") && strings.Contains(collectorAddr, ":"):
			endpoint = collectorAddr
		default:
			return "", "", fmt.Errorf("otel-collector-addr '%s' is missing a host or is not a valid schemeless address (e.g. localhost:4317)", collectorAddr)
		}
	}

	scheme = strings.ToLower(parsedURL.Scheme)
	if scheme == "" {
		scheme = "grpc"
	}
	switch scheme {
	case "grpc", "grpcs", "http", "https":
	default:
		return "", "", fmt.Errorf("unsupported OTLP exporter protocol scheme: '%s' in %s. Use 'grpc', 'grpcs', 'http', or 'https'", scheme, collectorAddr)
	}
	return scheme, endpoint, nil
}

func newExporter(ctx context.Context, scheme, endpoint string) (sdkmetric.Exporter, error) {
	switch scheme {
	case "grpc":
		return otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(endpoint), otlpmetricgrpc.WithInsecure())
	case "grpcs":
		return otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(endpoint))
	case "http":
		return otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(endpoint), otlpmetrichttp.WithInsecure())
	default:
		return otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(endpoint))
	}
}

// NewMetrics creates the instruments and an OTLP exporter pushing to
// collectorAddr every 10 seconds.
func NewMetrics(ctx context.Context, instanceID, collectorAddr string) (*Metrics, error) {
	scheme, endpoint, err := collectorEndpoint(collectorAddr)
	if err != nil {
		return nil, err
	}
	exporter, err := newExporter(ctx, scheme, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter (%s://%s): %w", scheme, endpoint, err)
	}
	m, err := NewMetricsWithReader(instanceID, sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second)))
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(m.provider)
	return m, nil
}

// NewMetricsWithReader creates the instruments on a meter provider read by
// reader.
func NewMetricsWithReader(instanceID string, reader sdkmetric.Reader) (*Metrics, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("ucc-dpu-server"),
			semconv.ServiceVersion("0.1.0"),
			semconv.ServiceInstanceID(instanceID),
		),
	)
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	meter := provider.Meter("github.com/Mellanox/ucc/dpu")

	m := &Metrics{provider: provider, meter: meter}
	if m.collDuration, err = meter.Float64Histogram(
		"ucc.dpu.collective.duration",
		metric.WithDescription("Collective service time in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.collCounter, err = meter.Int64Counter(
		"ucc.dpu.collective.count",
		metric.WithDescription("Number of collectives serviced"),
		metric.WithUnit("{count}"),
	); err != nil {
		return nil, err
	}
	if m.elementsCounter, err = meter.Int64Counter(
		"ucc.dpu.collective.elements",
		metric.WithDescription("Number of elements serviced"),
		metric.WithUnit("{element}"),
	); err != nil {
		return nil, err
	}
	if m.teamOpCounter, err = meter.Int64Counter(
		"ucc.dpu.team.ops",
		metric.WithDescription("Number of team create and destroy requests"),
		metric.WithUnit("{count}"),
	); err != nil {
		return nil, err
	}
	if m.jobCounter, err = meter.Int64Counter(
		"ucc.dpu.jobs",
		metric.WithDescription("Number of jobs accepted"),
		metric.WithUnit("{count}"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordCollective records one serviced collective.
func (m *Metrics) RecordCollective(ctx context.Context, collType string, teamID uint16, d time.Duration, elements int64) {
	attrs := metric.WithAttributeSet(attribute.NewSet(
		attribute.String("coll_type", collType),
		attribute.Int("team_id", int(teamID)),
	))
	m.collDuration.Record(ctx, float64(d.Nanoseconds())/1_000_000.0, attrs)
	m.collCounter.Add(ctx, 1, attrs)
	if elements > 0 {
		m.elementsCounter.Add(ctx, elements, attrs)
	}
}

// RecordTeamOp records a team create or destroy. op is "create" or
// "destroy".
func (m *Metrics) RecordTeamOp(ctx context.Context, op string, ok bool) {
	m.teamOpCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.Bool("ok", ok),
	))
}

// RecordJob counts an accepted job.
func (m *Metrics) RecordJob(ctx context.Context) {
	m.jobCounter.Add(ctx, 1)
}

// Shutdown stops the metrics provider
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
