package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/drainflow/internal/logging"
)

const (
	envTracingEnabled = "DRAINFLOW_TRACING_ENABLED"
	envTracingExport  = "DRAINFLOW_TRACING_EXPORTER"
	envTracingService = "DRAINFLOW_TRACING_SERVICE_NAME"
	envTracingRatio   = "DRAINFLOW_TRACING_SAMPLE_RATIO"
	envOTLPEndpoint   = "DRAINFLOW_OTLP_ENDPOINT"
	envOTLPInsecure   = "DRAINFLOW_OTLP_INSECURE"

	defaultServiceName  = "drainsim"
	defaultOTLPEndpoint = "localhost:4317"
)

// TracingConfig governs how run tracing is initialised. The engine opens one
// span per run and a child span per sync phase.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Exporter    string // stdout | otlp
	Endpoint    string // otlp only
	// Insecure dials the OTLP endpoint without TLS.
	Insecure    bool
	SampleRatio float64

	// Writer receives spans from the stdout exporter. Nil means stderr so
	// spans never mix with the run summary on stdout.
	Writer io.Writer
	// Attributes are added to the trace resource, e.g. the scenario path.
	Attributes map[string]string
}

// TracingConfigFromEnv reads DRAINFLOW_TRACING_* and DRAINFLOW_OTLP_*.
// Tracing is off unless explicitly enabled; an out-of-range sample ratio
// falls back to 1.
func TracingConfigFromEnv() TracingConfig {
	cfg := TracingConfig{
		Enabled:     strings.EqualFold(os.Getenv(envTracingEnabled), "true"),
		ServiceName: defaultServiceName,
		Exporter:    "stdout",
		Endpoint:    os.Getenv(envOTLPEndpoint),
		Insecure:    !strings.EqualFold(os.Getenv(envOTLPInsecure), "false"),
		SampleRatio: 1,
	}
	if v := os.Getenv(envTracingExport); v != "" {
		cfg.Exporter = strings.ToLower(v)
	}
	if v := os.Getenv(envTracingService); v != "" {
		cfg.ServiceName = v
	}
	if v := os.Getenv(envTracingRatio); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil && r >= 0 && r <= 1 {
			cfg.SampleRatio = r
		}
	}
	return cfg
}

// InitTracing installs the global tracer provider described by cfg and
// returns the function that flushes it. A disabled config installs a noop
// provider.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}
	if !cfg.Enabled {
		otel.SetTracerProvider(trace.NewNoopTracerProvider())
		otel.SetTextMapPropagator(propagation.TraceContext{})
		log.Debug(ctx, "tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(resourceAttributes(cfg)...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", cfg.ServiceName),
		logging.Float64("sample_ratio", cfg.SampleRatio),
	)
	return tp.Shutdown, nil
}

func resourceAttributes(cfg TracingConfig) []attribute.KeyValue {
	service := cfg.ServiceName
	if service == "" {
		service = defaultServiceName
	}
	attrs := []attribute.KeyValue{
		attribute.String("service.name", service),
		attribute.String("service.namespace", "drainflow"),
	}
	keys := make([]string, 0, len(cfg.Attributes))
	for k := range cfg.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, cfg.Attributes[k]))
	}
	return attrs
}

func newExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch strings.ToLower(cfg.Exporter) {
	case "", "stdout":
		w := cfg.Writer
		if w == nil {
			w = os.Stderr
		}
		return stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithoutTimestamps())
	case "otlp", "otlpgrpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		creds := insecure.NewCredentials()
		if !cfg.Insecure {
			creds = credentials.NewClientTLSFromCert(nil, "")
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(creds)),
		))
	default:
		return nil, fmt.Errorf("unsupported tracing exporter %q", cfg.Exporter)
	}
}

// ShutdownWithTimeout flushes pending spans, giving up after five seconds.
// Failures are logged, not returned.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
