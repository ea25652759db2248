package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SimCollector bundles Prometheus metrics for a transport run. It satisfies
// engine.MetricsRecorder and state.ScenarioMetricsRecorder, so the
// controller and the scenario state drive it directly.
type SimCollector struct {
	gatherer prometheus.Gatherer

	Cycles         prometheus.Counter
	SyncDurations  prometheus.Histogram
	SimTimeMs      prometheus.Gauge
	LiveParticles  prometheus.Gauge
	ExitedTotal    prometheus.Counter
	HeldTotal      prometheus.Counter
	WorkerFaults   prometheus.Counter
	RecoveredFails *prometheus.GaugeVec

	ScenarioPipes     prometheus.Gauge
	ScenarioJunctions prometheus.Gauge
	ScenarioParticles prometheus.Gauge
	ScenarioStations  prometheus.Gauge
}

// NewSimCollector registers run metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewSimCollector(reg prometheus.Registerer) (*SimCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &SimCollector{gatherer: gatherer}
	var err error

	if c.Cycles, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drainflow_cycles_total",
		Help: "Completed movement/sync cycles.",
	}), "drainflow_cycles_total"); err != nil {
		return nil, err
	}
	if c.SyncDurations, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "drainflow_sync_phase_duration_seconds",
		Help:    "Wall time spent in the single-threaded sync phase.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}), "drainflow_sync_phase_duration_seconds"); err != nil {
		return nil, err
	}
	if c.SimTimeMs, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drainflow_sim_time_ms",
		Help: "Simulated time at the last sync phase, in milliseconds.",
	}), "drainflow_sim_time_ms"); err != nil {
		return nil, err
	}
	if c.LiveParticles, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drainflow_particles_live",
		Help: "Particles waiting for injection or still in the network.",
	}), "drainflow_particles_live"); err != nil {
		return nil, err
	}
	if c.ExitedTotal, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drainflow_particles_exited_total",
		Help: "Particles that left the network through an outlet.",
	}), "drainflow_particles_exited_total"); err != nil {
		return nil, err
	}
	if c.HeldTotal, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drainflow_particles_held_total",
		Help: "Particle substeps spent held in a junction without usable outflow.",
	}), "drainflow_particles_held_total"); err != nil {
		return nil, err
	}
	if c.WorkerFaults, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drainflow_worker_faults_total",
		Help: "Recovered worker panics; each skips one substep for one partition.",
	}), "drainflow_worker_faults_total"); err != nil {
		return nil, err
	}
	if c.RecoveredFails, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "drainflow_recovered_failures",
		Help: "Occurrences of recovered topology and timeline problems, labeled by failure class.",
	}, []string{"class"}), "drainflow_recovered_failures"); err != nil {
		return nil, err
	}

	if c.ScenarioPipes, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drainflow_scenario_pipes",
		Help: "Pipes in the loaded network.",
	}), "drainflow_scenario_pipes"); err != nil {
		return nil, err
	}
	if c.ScenarioJunctions, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drainflow_scenario_junctions",
		Help: "Manholes and storage volumes in the loaded network.",
	}), "drainflow_scenario_junctions"); err != nil {
		return nil, err
	}
	if c.ScenarioParticles, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drainflow_scenario_particles",
		Help: "Particles in the initial population.",
	}), "drainflow_scenario_particles"); err != nil {
		return nil, err
	}
	if c.ScenarioStations, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drainflow_scenario_stations",
		Help: "Measurement stations.",
	}), "drainflow_scenario_stations"); err != nil {
		return nil, err
	}
	return c, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SimCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SimCollector) Handler() http.Handler {
	gatherer := c.Gatherer()
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObserveCycle records one completed sync phase.
func (c *SimCollector) ObserveCycle(took time.Duration, simTimeMs int64, live int) {
	if c == nil {
		return
	}
	c.Cycles.Inc()
	c.SyncDurations.Observe(took.Seconds())
	c.SimTimeMs.Set(float64(simTimeMs))
	c.LiveParticles.Set(float64(live))
}

// AddExited counts particles that left through an outlet.
func (c *SimCollector) AddExited(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.ExitedTotal.Add(float64(n))
}

// AddHeld counts particle substeps spent held in a junction.
func (c *SimCollector) AddHeld(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.HeldTotal.Add(float64(n))
}

// AddWorkerFault counts one recovered worker panic.
func (c *SimCollector) AddWorkerFault() {
	if c == nil {
		return
	}
	c.WorkerFaults.Inc()
}

// SetFailures publishes per-class failure counts such as those returned by
// the kernel and timeline stores.
func (c *SimCollector) SetFailures(counts map[string]int64) {
	if c == nil {
		return
	}
	for class, n := range counts {
		c.RecoveredFails.WithLabelValues(class).Set(float64(n))
	}
}

// SetScenarioCounts satisfies the ScenarioMetricsRecorder interface so the
// ScenarioState can drive gauge values directly from its mutators.
func (c *SimCollector) SetScenarioCounts(pipes, junctions, particles, stations int) {
	if c == nil {
		return
	}
	c.ScenarioPipes.Set(float64(pipes))
	c.ScenarioJunctions.Set(float64(junctions))
	c.ScenarioParticles.Set(float64(particles))
	c.ScenarioStations.Set(float64(stations))
}
