package observability

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// TracingConfig holds configuration for OpenTelemetry tracing.
type TracingConfig struct {
	ServiceName    string            `yaml:"service_name" json:"service_name"`
	ServiceVersion string            `yaml:"service_version" json:"service_version"`
	ExporterType   string            `yaml:"exporter_type" json:"exporter_type"` // "jaeger", "otlp", "stdout", "none"
	JaegerEndpoint string            `yaml:"jaeger_endpoint" json:"jaeger_endpoint"`
	OTLPEndpoint   string            `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	SampleRate     float64           `yaml:"sample_rate" json:"sample_rate"`
	Environment    string            `yaml:"environment" json:"environment"`
	Attributes     map[string]string `yaml:"attributes" json:"attributes"`
	EnabledSpans   map[string]bool   `yaml:"enabled_spans" json:"enabled_spans"`
}

// DefaultTracingConfig returns default tracing configuration for the task
// scheduler daemon.
func DefaultTracingConfig() *TracingConfig {
	return &TracingConfig{
		ServiceName:    "gputaskd",
		ServiceVersion: "1.0.0",
		ExporterType:   "stdout",
		JaegerEndpoint: "http://localhost:14268/api/traces",
		OTLPEndpoint:   "http://localhost:4318/v1/traces",
		SampleRate:     1.0,
		Environment:    "development",
		Attributes: map[string]string{
			"deployment.environment": "development",
			"service.namespace":      "gpu-task-scheduler",
		},
		EnabledSpans: map[string]bool{
			"task_lifecycle": true,
			"gpu_probe":      true,
			"session_host":   true,
			"http_request":   true,
		},
	}
}

// TracingService manages OpenTelemetry tracing infrastructure for the
// scheduler daemon.
type TracingService struct {
	config   *TracingConfig
	provider *trace.TracerProvider
	tracer   oteltrace.Tracer
	enabled  bool
	logger   *log.Logger
}

// NewTracingService creates a new tracing service with the given configuration.
func NewTracingService(config *TracingConfig) (*TracingService, error) {
	if config == nil {
		config = DefaultTracingConfig()
	}

	ts := &TracingService{
		config:  config,
		enabled: config.ExporterType != "none",
		logger:  log.New(log.Writer(), "[TracingService] ", log.LstdFlags|log.Lshortfile),
	}

	if !ts.enabled {
		ts.logger.Printf("Tracing disabled (exporter_type: none)")
		return ts, nil
	}

	if err := ts.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	ts.logger.Printf("Tracing initialized with %s exporter", config.ExporterType)
	return ts, nil
}

func (ts *TracingService) initialize() error {
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(ts.config.ServiceName),
			semconv.ServiceVersionKey.String(ts.config.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(ts.config.Environment),
		),
		resource.WithFromEnv(),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	attributes := make([]attribute.KeyValue, 0, len(ts.config.Attributes))
	for key, value := range ts.config.Attributes {
		attributes = append(attributes, attribute.String(key, value))
	}
	if len(attributes) > 0 {
		res, err = resource.Merge(res, resource.NewWithAttributes(
			semconv.SchemaURL,
			attributes...,
		))
		if err != nil {
			return fmt.Errorf("failed to merge resource attributes: %w", err)
		}
	}

	var exporter trace.SpanExporter
	switch ts.config.ExporterType {
	case "jaeger":
		exporter, err = ts.createJaegerExporter()
	case "otlp":
		exporter, err = ts.createOTLPExporter()
	case "stdout":
		exporter, err = ts.createStdoutExporter()
	default:
		return fmt.Errorf("unsupported exporter type: %s", ts.config.ExporterType)
	}
	if err != nil {
		return fmt.Errorf("failed to create exporter: %w", err)
	}

	sampler := trace.TraceIDRatioBased(ts.config.SampleRate)
	ts.provider = trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(sampler),
	)

	otel.SetTracerProvider(ts.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	ts.tracer = otel.Tracer(ts.config.ServiceName)

	return nil
}

func (ts *TracingService) createJaegerExporter() (trace.SpanExporter, error) {
	return jaeger.New(jaeger.WithCollectorEndpoint(
		jaeger.WithEndpoint(ts.config.JaegerEndpoint),
	))
}

func (ts *TracingService) createOTLPExporter() (trace.SpanExporter, error) {
	return otlptrace.New(
		context.Background(),
		otlptracehttp.NewClient(
			otlptracehttp.WithEndpoint(ts.config.OTLPEndpoint),
			otlptracehttp.WithInsecure(),
		),
	)
}

func (ts *TracingService) createStdoutExporter() (trace.SpanExporter, error) {
	return stdouttrace.New(
		stdouttrace.WithPrettyPrint(),
	)
}

// StartSpan starts a new trace span with the given name and options.
func (ts *TracingService) StartSpan(ctx context.Context, spanName string, opts ...oteltrace.SpanStartOption) (context.Context, oteltrace.Span) {
	if !ts.enabled || !ts.isSpanEnabled(spanName) {
		return ctx, oteltrace.SpanFromContext(ctx)
	}

	return ts.tracer.Start(ctx, spanName, opts...)
}

func (ts *TracingService) isSpanEnabled(spanName string) bool {
	for category, enabled := range ts.config.EnabledSpans {
		if len(spanName) >= len(category) && spanName[:len(category)] == category {
			return enabled
		}
	}
	return true
}

// AddSpanAttributes adds attributes to a span.
func (ts *TracingService) AddSpanAttributes(span oteltrace.Span, attrs ...attribute.KeyValue) {
	if !ts.enabled || span == nil {
		return
	}
	span.SetAttributes(attrs...)
}

// RecordError records an error on a span.
func (ts *TracingService) RecordError(span oteltrace.Span, err error) {
	if !ts.enabled || span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanStatus sets the status of a span.
func (ts *TracingService) SetSpanStatus(span oteltrace.Span, code codes.Code, description string) {
	if !ts.enabled || span == nil {
		return
	}
	span.SetStatus(code, description)
}

// TraceTaskLifecycle creates a span for a task lifecycle transition
// (create, launch, reap, cancel).
func (ts *TracingService) TraceTaskLifecycle(ctx context.Context, operation string, taskID int64) (context.Context, oteltrace.Span) {
	spanName := fmt.Sprintf("task_lifecycle.%s", operation)
	return ts.StartSpan(ctx, spanName,
		oteltrace.WithSpanKind(oteltrace.SpanKindInternal),
		oteltrace.WithAttributes(
			attribute.Int64("task.id", taskID),
			attribute.String("operation", operation),
		),
	)
}

// TraceGPUProbe creates a span for a GPU probe snapshot call.
func (ts *TracingService) TraceGPUProbe(ctx context.Context, operation string) (context.Context, oteltrace.Span) {
	spanName := fmt.Sprintf("gpu_probe.%s", operation)
	return ts.StartSpan(ctx, spanName,
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(attribute.String("operation", operation)),
	)
}

// TraceSessionHost creates a span for a session host invocation.
func (ts *TracingService) TraceSessionHost(ctx context.Context, operation, sessionName string) (context.Context, oteltrace.Span) {
	spanName := fmt.Sprintf("session_host.%s", operation)
	return ts.StartSpan(ctx, spanName,
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("session.name", sessionName),
		),
	)
}

// TraceHTTPRequest creates a span for an incoming HTTP request.
func (ts *TracingService) TraceHTTPRequest(ctx context.Context, method, path string) (context.Context, oteltrace.Span) {
	spanName := fmt.Sprintf("http_request.%s %s", method, path)
	return ts.StartSpan(ctx, spanName,
		oteltrace.WithSpanKind(oteltrace.SpanKindServer),
		oteltrace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("http.route", path),
		),
	)
}

// GetTracer returns the underlying OpenTelemetry tracer.
func (ts *TracingService) GetTracer() oteltrace.Tracer {
	return ts.tracer
}

// IsEnabled returns whether tracing is enabled.
func (ts *TracingService) IsEnabled() bool {
	return ts.enabled
}

// Shutdown gracefully shuts down the tracing service.
func (ts *TracingService) Shutdown(ctx context.Context) error {
	if !ts.enabled || ts.provider == nil {
		return nil
	}
	ts.logger.Printf("Shutting down tracing service")
	return ts.provider.Shutdown(ctx)
}

// TraceMiddleware returns an HTTP middleware that adds tracing to requests.
func (ts *TracingService) TraceMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !ts.enabled {
				next.ServeHTTP(w, r)
				return
			}

			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := ts.TraceHTTPRequest(ctx, r.Method, r.URL.Path)
			defer span.End()

			ts.AddSpanAttributes(span,
				attribute.String("http.url", r.URL.String()),
				attribute.String("http.user_agent", r.UserAgent()),
				attribute.String("http.remote_addr", r.RemoteAddr),
			)

			rw := &responseWriter{ResponseWriter: w, statusCode: 200}
			next.ServeHTTP(rw, r.WithContext(ctx))

			ts.AddSpanAttributes(span, attribute.Int("http.status_code", rw.statusCode))
			if rw.statusCode >= 400 {
				ts.SetSpanStatus(span, codes.Error, fmt.Sprintf("HTTP %d", rw.statusCode))
			} else {
				ts.SetSpanStatus(span, codes.Ok, "")
			}
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// TraceFunction traces a synchronous function call, recording its
// duration and any returned error.
func (ts *TracingService) TraceFunction(ctx context.Context, functionName string, fn func(ctx context.Context) error) error {
	ctx, span := ts.StartSpan(ctx, functionName)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)

	ts.AddSpanAttributes(span, attribute.Int64("function.duration_ms", duration.Milliseconds()))
	if err != nil {
		ts.RecordError(span, err)
	} else {
		ts.SetSpanStatus(span, codes.Ok, "")
	}
	return err
}
