package transport

import (
	"fmt"
	"math"
	"strings"

	"github.com/signalsfoundry/drainflow/core"
)

// Candidate is a pipe a particle may leave a junction through, with the
// discharge it carries at the current time index.
type Candidate struct {
	Pipe      *core.Pipe
	Discharge float64
}

// RoutingPolicy picks which pipe a particle takes out of a junction.
//
// Choose receives only candidates with positive discharge, in row order,
// and a uniform draw u in [0, 1). It returns an index into cands, or -1 to
// hold the particle. Implementations must be pure functions of their
// arguments; the kernel calls them from many goroutines.
type RoutingPolicy interface {
	Name() string
	Choose(cands []Candidate, u float64) int
}

// DischargeWeighted picks a candidate with probability proportional to
// Discharge^Exponent. Exponent 1 is the linear law; 0 is uniform.
type DischargeWeighted struct {
	Exponent float64
}

func (d DischargeWeighted) Name() string {
	switch d.Exponent {
	case 1:
		return "linear"
	case 0:
		return "uniform"
	default:
		return fmt.Sprintf("power:%g", d.Exponent)
	}
}

func (d DischargeWeighted) Choose(cands []Candidate, u float64) int {
	switch len(cands) {
	case 0:
		return -1
	case 1:
		return 0
	}
	var total float64
	for _, c := range cands {
		total += d.weight(c.Discharge)
	}
	if !(total > 0) || math.IsInf(total, 0) {
		return -1
	}
	target := u * total
	var acc float64
	for i, c := range cands {
		acc += d.weight(c.Discharge)
		if target < acc {
			return i
		}
	}
	// u close to 1 with rounding in acc.
	return len(cands) - 1
}

func (d DischargeWeighted) weight(q float64) float64 {
	if d.Exponent == 1 {
		return q
	}
	return math.Pow(q, d.Exponent)
}

// MaxDischarge always takes the candidate carrying the most flow; ties go to
// the lowest row.
type MaxDischarge struct{}

func (MaxDischarge) Name() string { return "max" }

func (MaxDischarge) Choose(cands []Candidate, _ float64) int {
	best := -1
	for i, c := range cands {
		if best < 0 || c.Discharge > cands[best].Discharge {
			best = i
		}
	}
	return best
}

// PolicyByName resolves a routing policy from configuration. Recognised
// names are "linear" (default), "uniform", "max" and "power:<exponent>".
func PolicyByName(name string) (RoutingPolicy, error) {
	switch n := strings.ToLower(strings.TrimSpace(name)); {
	case n == "" || n == "linear":
		return DischargeWeighted{Exponent: 1}, nil
	case n == "uniform":
		return DischargeWeighted{Exponent: 0}, nil
	case n == "max":
		return MaxDischarge{}, nil
	case strings.HasPrefix(n, "power:"):
		var e float64
		if _, err := fmt.Sscanf(strings.TrimPrefix(n, "power:"), "%g", &e); err != nil || e < 0 || math.IsNaN(e) || math.IsInf(e, 0) {
			return nil, fmt.Errorf("%w: routing %q", ErrInvalidConfig, name)
		}
		return DischargeWeighted{Exponent: e}, nil
	default:
		return nil, fmt.Errorf("%w: unknown routing policy %q", ErrInvalidConfig, name)
	}
}
