// Package telemetry wires OpenTelemetry tracing and metrics for the flow
// server. Without an OTLP endpoint the global providers stay no-op and every
// helper here is safe to call.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName names the tracer and meter used across the module.
const InstrumentationName = "github.com/hms/patientflow"

type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string  // host:port of the collector, empty disables export
	SampleRate     float64 // 0.0 to 1.0
}

func (c *Config) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "flow-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		c.SampleRate = 1.0
	}
}

// Setup installs global tracer and meter providers exporting over OTLP/gRPC.
// The returned func flushes and stops both.
func Setup(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	cfg.applyDefaults()
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if cfg.OTLPEndpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)

	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		_ = tracerProvider.Shutdown(ctx)
		return nil, fmt.Errorf("metric exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(15*time.Second))),
		sdkmetric.WithResource(res),
	)

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)

	return func(ctx context.Context) error {
		return errors.Join(tracerProvider.Shutdown(ctx), meterProvider.Shutdown(ctx))
	}, nil
}

func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// StartSpan starts a span on the module tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TracingMiddleware opens a server span per request, continuing any trace
// the caller propagated.
func TracingMiddleware(tracer trace.Tracer) echo.MiddlewareFunc {
	propagator := otel.GetTextMapPropagator()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := propagator.Extract(req.Context(), propagation.HeaderCarrier(req.Header))

			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}
			ctx, span := tracer.Start(ctx, "HTTP "+req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", req.Method),
					attribute.String("http.route", route),
				),
			)
			defer span.End()
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			span.SetAttributes(attribute.Int("http.status_code", status))
			if v, ok := c.Get("facility_id").(string); ok && v != "" {
				span.SetAttributes(attribute.String("facility.id", v))
			}
			if status >= 500 {
				span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
				if err != nil {
					span.RecordError(err)
				}
			}
			return err
		}
	}
}

// Metrics holds the instruments the server records.
type Metrics struct {
	RequestCount    metric.Int64Counter
	RequestDuration metric.Float64Histogram
	Transitions     metric.Int64Counter
	QueueWait       metric.Float64Histogram
	BedAssignments  metric.Int64Counter
}

// NewMetrics creates the instruments on meter. Pass otel.Meter(...) in
// production and a test provider's meter in tests.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var m Metrics
	var err error
	if m.RequestCount, err = meter.Int64Counter("http.server.request.count",
		metric.WithDescription("Number of HTTP requests")); err != nil {
		return nil, err
	}
	if m.RequestDuration, err = meter.Float64Histogram("http.server.request.duration",
		metric.WithDescription("HTTP request duration"), metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.Transitions, err = meter.Int64Counter("flow.visit.transitions",
		metric.WithDescription("Committed visit transitions")); err != nil {
		return nil, err
	}
	if m.QueueWait, err = meter.Float64Histogram("flow.queue.wait",
		metric.WithDescription("Time from enqueue to call"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.BedAssignments, err = meter.Int64Counter("flow.bed.assignments",
		metric.WithDescription("Bed assignment attempts by outcome")); err != nil {
		return nil, err
	}
	return &m, nil
}

// DefaultMetrics builds Metrics on the global meter provider.
func DefaultMetrics() (*Metrics, error) {
	return NewMetrics(otel.Meter(InstrumentationName))
}

func (m *Metrics) Transition(ctx context.Context, transition, station string) {
	if m == nil {
		return
	}
	m.Transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transition", transition),
		attribute.String("station", station),
	))
}

func (m *Metrics) Waited(ctx context.Context, station string, d time.Duration) {
	if m == nil {
		return
	}
	m.QueueWait.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("station", station)))
}

func (m *Metrics) BedAssignment(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.BedAssignments.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// MetricsMiddleware records request count and latency by route and status.
func (m *Metrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			attrs := metric.WithAttributes(
				attribute.String("http.method", c.Request().Method),
				attribute.String("http.route", route),
				attribute.Int("http.status_code", status),
			)
			ctx := c.Request().Context()
			m.RequestCount.Add(ctx, 1, attrs)
			m.RequestDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
			return err
		}
	}
}
