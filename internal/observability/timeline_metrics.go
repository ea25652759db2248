package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TimelineCollector exposes metrics for lazily loaded hydraulic timelines.
type TimelineCollector struct {
	gatherer prometheus.Gatherer

	Loads        *prometheus.CounterVec
	LoadDuration prometheus.Histogram
	WarmedRows   prometheus.Gauge
}

// NewTimelineCollector registers timeline metrics against the provided registerer.
func NewTimelineCollector(reg prometheus.Registerer) (*TimelineCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	loads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drainflow_timeline_loads_total",
		Help: "Pipe timeline rows loaded by sparse stores, labeled by result.",
	}, []string{"result"})
	loads, err := registerCounterVec(reg, loads, "drainflow_timeline_loads_total")
	if err != nil {
		return nil, err
	}

	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "drainflow_timeline_load_duration_seconds",
		Help:    "Duration of individual timeline row loads.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
	duration, err = registerHistogram(reg, duration, "drainflow_timeline_load_duration_seconds")
	if err != nil {
		return nil, err
	}

	warmed := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drainflow_timeline_warmed_rows",
		Help: "Rows preloaded ahead of the run.",
	})
	warmed, err = registerGauge(reg, warmed, "drainflow_timeline_warmed_rows")
	if err != nil {
		return nil, err
	}

	return &TimelineCollector{
		gatherer:     gatherer,
		Loads:        loads,
		LoadDuration: duration,
		WarmedRows:   warmed,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *TimelineCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveLoad matches the signature timeline.WithLoadObserver expects.
func (c *TimelineCollector) ObserveLoad(_ int, took time.Duration, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.Loads.WithLabelValues(result).Inc()
	c.LoadDuration.Observe(took.Seconds())
}

// SetWarmedRows records how many rows were preloaded.
func (c *TimelineCollector) SetWarmedRows(n int) {
	if c == nil {
		return
	}
	c.WarmedRows.Set(float64(n))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
