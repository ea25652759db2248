package observability

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel"
)

func TestSimCollectorRecordsCycles(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("NewSimCollector: %v", err)
	}

	collector.ObserveCycle(2*time.Millisecond, 10_000, 40)
	collector.ObserveCycle(3*time.Millisecond, 20_000, 35)
	collector.AddExited(5)
	collector.AddExited(0)
	collector.AddHeld(2)
	collector.AddWorkerFault()

	if got := testutil.ToFloat64(collector.Cycles); got != 2 {
		t.Fatalf("drainflow_cycles_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.SimTimeMs); got != 20_000 {
		t.Fatalf("drainflow_sim_time_ms = %v, want 20000", got)
	}
	if got := testutil.ToFloat64(collector.LiveParticles); got != 35 {
		t.Fatalf("drainflow_particles_live = %v, want 35", got)
	}
	if got := testutil.ToFloat64(collector.ExitedTotal); got != 5 {
		t.Fatalf("drainflow_particles_exited_total = %v, want 5", got)
	}
	if got := testutil.ToFloat64(collector.HeldTotal); got != 2 {
		t.Fatalf("drainflow_particles_held_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.WorkerFaults); got != 1 {
		t.Fatalf("drainflow_worker_faults_total = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "drainflow_sync_phase_duration_seconds", nil); count != 2 {
		t.Fatalf("sync phase sample_count = %d, want 2", count)
	}
}

func TestSimCollectorFailuresByClass(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("NewSimCollector: %v", err)
	}
	collector.SetFailures(map[string]int64{"routing.no_outflow": 7, "timeline.non_finite": 1})
	collector.SetFailures(map[string]int64{"routing.no_outflow": 9})

	if got := testutil.ToFloat64(collector.RecoveredFails.WithLabelValues("routing.no_outflow")); got != 9 {
		t.Fatalf("no_outflow = %v, want 9", got)
	}
	if got := testutil.ToFloat64(collector.RecoveredFails.WithLabelValues("timeline.non_finite")); got != 1 {
		t.Fatalf("non_finite = %v, want 1", got)
	}
}

func TestSimCollectorReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("NewSimCollector: %v", err)
	}
	second, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("second NewSimCollector: %v", err)
	}
	first.AddWorkerFault()
	if got := testutil.ToFloat64(second.WorkerFaults); got != 1 {
		t.Fatalf("second collector does not share counters: %v", got)
	}

	if _, err := NewTimelineCollector(reg); err != nil {
		t.Fatalf("NewTimelineCollector on shared registry: %v", err)
	}
}

func TestNilCollectorsAreSafe(t *testing.T) {
	var sim *SimCollector
	sim.ObserveCycle(time.Second, 1, 1)
	sim.AddExited(1)
	sim.AddHeld(1)
	sim.AddWorkerFault()
	sim.SetFailures(map[string]int64{"x": 1})
	sim.SetScenarioCounts(1, 2, 3, 4)

	var tl *TimelineCollector
	tl.ObserveLoad(0, time.Millisecond, nil)
	tl.SetWarmedRows(3)
}

func TestTimelineCollectorObservesLoads(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewTimelineCollector(reg)
	if err != nil {
		t.Fatalf("NewTimelineCollector: %v", err)
	}

	collector.ObserveLoad(0, time.Millisecond, nil)
	collector.ObserveLoad(1, 2*time.Millisecond, nil)
	collector.ObserveLoad(2, time.Millisecond, errors.New("boom"))
	collector.SetWarmedRows(12)

	if got := testutil.ToFloat64(collector.Loads.WithLabelValues("ok")); got != 2 {
		t.Fatalf("ok loads = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.Loads.WithLabelValues("error")); got != 1 {
		t.Fatalf("error loads = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "drainflow_timeline_load_duration_seconds", nil); count != 3 {
		t.Fatalf("load duration sample_count = %d, want 3", count)
	}
	if got := testutil.ToFloat64(collector.WarmedRows); got != 12 {
		t.Fatalf("warmed rows = %v, want 12", got)
	}
}

func TestMetricsHandlerExposesScenarioGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewSimCollector(reg)
	if err != nil {
		t.Fatalf("NewSimCollector: %v", err)
	}
	collector.SetScenarioCounts(3, 4, 500, 6)
	collector.ObserveCycle(time.Millisecond, 60_000, 480)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, line := range []string{
		"drainflow_scenario_pipes 3",
		"drainflow_scenario_junctions 4",
		"drainflow_scenario_particles 500",
		"drainflow_scenario_stations 6",
		"drainflow_cycles_total 1",
		"drainflow_particles_live 480",
	} {
		if !strings.Contains(body, line) {
			t.Fatalf("expected %q in /metrics output:\n%s", line, body)
		}
	}
}

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv("DRAINFLOW_TRACING_ENABLED", "TRUE")
	t.Setenv("DRAINFLOW_TRACING_EXPORTER", "OTLP")
	t.Setenv("DRAINFLOW_TRACING_SERVICE_NAME", "")
	t.Setenv("DRAINFLOW_TRACING_SAMPLE_RATIO", "2")
	t.Setenv("DRAINFLOW_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("DRAINFLOW_OTLP_INSECURE", "false")

	cfg := TracingConfigFromEnv()
	if !cfg.Enabled || cfg.Exporter != "otlp" || cfg.Endpoint != "collector:4317" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.ServiceName != "drainsim" {
		t.Fatalf("ServiceName = %q, want default", cfg.ServiceName)
	}
	if cfg.SampleRatio != 1 {
		t.Fatalf("out-of-range ratio accepted: %v", cfg.SampleRatio)
	}
	if cfg.Insecure {
		t.Fatal("Insecure should follow DRAINFLOW_OTLP_INSECURE=false")
	}
}

func TestInitTracing(t *testing.T) {
	ctx := context.Background()

	shutdown, err := InitTracing(ctx, TracingConfig{}, nil)
	if err != nil {
		t.Fatalf("InitTracing disabled: %v", err)
	}
	ShutdownWithTimeout(ctx, shutdown, nil)

	if _, err := InitTracing(ctx, TracingConfig{Enabled: true, Exporter: "zipkin"}, nil); err == nil {
		t.Fatal("expected error for unsupported exporter")
	}

	var buf bytes.Buffer
	shutdown, err = InitTracing(ctx, TracingConfig{
		Enabled:     true,
		Exporter:    "stdout",
		SampleRatio: 1,
		Writer:      &buf,
		Attributes:  map[string]string{"drainflow.scenario": "line.yaml"},
	}, nil)
	if err != nil {
		t.Fatalf("InitTracing stdout: %v", err)
	}
	_, span := otel.Tracer("test").Start(ctx, "engine.Run")
	span.End()
	ShutdownWithTimeout(ctx, shutdown, nil)
	for _, want := range []string{"engine.Run", "line.yaml", "drainsim"} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("exported span lacks %q: %s", want, buf.String())
		}
	}

	// Leave the global provider disabled for other tests.
	if _, err := InitTracing(ctx, TracingConfig{}, nil); err != nil {
		t.Fatal(err)
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
