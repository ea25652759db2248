// Command drainsim runs a particle transport scenario against precomputed
// sewer hydraulics and prints per-station results.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gosuri/uiprogress"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/drainflow/core"
	"github.com/signalsfoundry/drainflow/internal/logging"
	"github.com/signalsfoundry/drainflow/internal/observability"
	"github.com/signalsfoundry/drainflow/internal/sim/engine"
	"github.com/signalsfoundry/drainflow/internal/sim/state"
	"github.com/signalsfoundry/drainflow/timeline"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "drainsim: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	scenario     string
	config       string
	workers      int
	dtMs         int64
	dispersion   float64
	routing      string
	seed         uint64
	timeline     string
	warmVelocity float64
	metricsAddr  string
	progress     bool
}

func parseFlags(args []string, stderr io.Writer) (options, map[string]bool, error) {
	var o options
	fs := flag.NewFlagSet("drainsim", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.scenario, "scenario", "", "Path to a JSON or YAML scenario file (required)")
	fs.StringVar(&o.config, "config", "", "Path to a YAML run configuration; flags override its values")
	fs.IntVar(&o.workers, "workers", 0, "Worker pool size (default: number of CPUs)")
	fs.Int64Var(&o.dtMs, "dt", 0, "Kernel substep in simulated milliseconds")
	fs.Float64Var(&o.dispersion, "k", 0, "Dispersion coefficient K in m2/s")
	fs.StringVar(&o.routing, "routing", "", "Junction routing policy: linear, uniform, max or power:<exponent>")
	fs.Uint64Var(&o.seed, "seed", 0, "Random seed")
	fs.StringVar(&o.timeline, "timeline", "dense", "Timeline backing: dense or sparse")
	fs.Float64Var(&o.warmVelocity, "warm-velocity", 0, "Expected velocity in m/s bounding sparse warm-up; 0 warms every reachable pipe")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "HTTP address for Prometheus /metrics (disabled when empty)")
	fs.BoolVar(&o.progress, "progress", false, "Render a progress bar on stderr")
	if err := fs.Parse(args); err != nil {
		return o, nil, err
	}
	if o.scenario == "" {
		return o, nil, errors.New("-scenario is required")
	}
	if o.timeline != "dense" && o.timeline != "sparse" {
		return o, nil, fmt.Errorf("-timeline must be dense or sparse, got %q", o.timeline)
	}
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return o, set, nil
}

// loadConfig reads the run file over the engine defaults and applies the
// flags the user set explicitly.
func loadConfig(o options, set map[string]bool) (engine.Config, error) {
	cfg := engine.DefaultConfig()
	if o.config != "" {
		f, err := os.Open(o.config)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return cfg, fmt.Errorf("decode config %q: %w", o.config, err)
		}
	}
	if set["workers"] {
		cfg.Workers = o.workers
	}
	if set["dt"] {
		cfg.DtMs = o.dtMs
	}
	if set["k"] {
		cfg.Dispersion = o.dispersion
	}
	if set["routing"] {
		cfg.Routing = o.routing
	}
	if set["seed"] {
		cfg.Seed = o.seed
	}
	return cfg, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	o, set, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(o, set)
	if err != nil {
		return err
	}

	log := logging.NewFromEnv()

	tracingCfg := observability.TracingConfigFromEnv()
	tracingCfg.Writer = stderr
	tracingCfg.Attributes = map[string]string{"drainflow.scenario": o.scenario}
	shutdownTracing, err := observability.InitTracing(ctx, tracingCfg, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	simMetrics, err := observability.NewSimCollector(reg)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	tlMetrics, err := observability.NewTimelineCollector(reg)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	if o.metricsAddr != "" {
		srv := serveMetrics(o.metricsAddr, simMetrics.Handler(), log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	st, err := loadScenario(ctx, o, log, simMetrics, tlMetrics)
	if err != nil {
		return err
	}

	ctrl, err := engine.New(st, cfg, engine.WithLogger(log), engine.WithMetrics(simMetrics))
	if err != nil {
		return err
	}

	events := ctrl.Events()
	var bar *progressBar
	if o.progress {
		bar = newProgressBar(stderr)
	}
	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	for ev := range events {
		switch ev.Type {
		case engine.EventWorkerFault:
			log.Warn(ctx, "worker fault", logging.Int("worker", ev.Worker), logging.Int("repeats", ev.Repeats), logging.Err(ev.Err))
		case engine.EventStepFinished:
			bar.set(ev.Progress, ev.TimeMs)
		}
	}
	runErr := ctrl.Wait()
	bar.stop()

	simMetrics.SetFailures(failures(ctrl, st))
	if err := printSummary(stdout, ctrl, st); err != nil {
		return err
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func loadScenario(ctx context.Context, o options, log logging.Logger, sim *observability.SimCollector, tl *observability.TimelineCollector) (*state.ScenarioState, error) {
	format, err := core.FormatFromPath(o.scenario)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(o.scenario)
	if err != nil {
		return nil, fmt.Errorf("open scenario: %w", err)
	}
	defer f.Close()

	opts := []state.LoadOption{
		state.WithTimelineOptions(
			timeline.WithLoadObserver(tl.ObserveLoad),
			timeline.WithLoadContext(ctx),
		),
		state.WithStateOptions(state.WithMetricsRecorder(sim)),
	}
	if o.timeline == "sparse" {
		opts = append(opts, state.WithSparseTimeline())
	}
	st, err := state.LoadScenario(f, format, log, opts...)
	if err != nil {
		return nil, err
	}
	if o.timeline == "sparse" {
		startMs, endMs := st.TimeRange()
		q := core.DownstreamQuery{VelocityHint: o.warmVelocity, HorizonMs: endMs - startMs}
		n, err := st.WarmDownstream(ctx, st.InjectionJunctions(), q)
		if err != nil {
			// Unwarmed rows still load on first access.
			log.Warn(ctx, "timeline warm-up incomplete", logging.Err(err))
		}
		tl.SetWarmedRows(n)
	}
	return st, nil
}

func failures(ctrl *engine.Controller, st *state.ScenarioState) map[string]int64 {
	out := make(map[string]int64)
	for class, n := range ctrl.Failures() {
		out[class] += n
	}
	if fs, ok := st.Store().(interface{ Failures() map[string]int64 }); ok {
		for class, n := range fs.Failures() {
			out[class] += n
		}
	}
	return out
}

func serveMetrics(addr string, handler http.Handler, log logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

//
// ---------- Output ----------
//

const barSteps = 1000

// progressBar renders run progress from StepFinished events. A nil bar
// ignores updates.
type progressBar struct {
	p   *uiprogress.Progress
	bar *uiprogress.Bar
	now atomic.Int64
}

func newProgressBar(w io.Writer) *progressBar {
	pb := &progressBar{p: uiprogress.New()}
	pb.p.SetOut(w)
	pb.bar = pb.p.AddBar(barSteps).AppendCompleted().PrependElapsed()
	pb.bar.PrependFunc(func(*uiprogress.Bar) string {
		return fmt.Sprintf("t=%ds", pb.now.Load()/1000)
	})
	pb.p.Start()
	return pb
}

func (pb *progressBar) set(progress float64, nowMs int64) {
	if pb == nil {
		return
	}
	pb.now.Store(nowMs)
	_ = pb.bar.Set(int(progress * barSteps))
}

func (pb *progressBar) stop() {
	if pb == nil {
		return
	}
	pb.p.Stop()
}

func printSummary(w io.Writer, ctrl *engine.Controller, st *state.ScenarioState) error {
	res := ctrl.Result()
	exited, exitedMass := res.Exited()

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "state\t%s\n", ctrl.State())
	fmt.Fprintf(tw, "sim_time_ms\t%d\n", ctrl.Clock().NowMillis())
	fmt.Fprintf(tw, "substeps\t%d\n", res.Substeps())
	fmt.Fprintf(tw, "total_mass\t%g\n", st.TotalMass())
	fmt.Fprintf(tw, "exited\t%d\t%g\n", exited, exitedMass)
	fmt.Fprintf(tw, "worker_faults\t%d\n", ctrl.WorkerFaults())
	if err := tw.Flush(); err != nil {
		return err
	}

	stations := res.Stations()
	if len(stations) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "station\tkind\tbins\tcount\tmass\tnet_mass\texited\tmean_mass\tpeak_ms\tpeak_mass")
	for _, s := range stations {
		sum, err := res.Summary(s.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%g\t%g\t%d\t%g\t%d\t%g\n",
			sum.StationID, sum.Kind, sum.Bins, sum.Total.Count, sum.Total.Mass, sum.Total.NetMass,
			sum.Total.Exited, sum.MeanMass, sum.PeakStartMs, sum.PeakMass)
	}
	return tw.Flush()
}
