package transport

import (
	"errors"
	"testing"

	"github.com/signalsfoundry/drainflow/core"
)

func cands(qs ...float64) []Candidate {
	out := make([]Candidate, len(qs))
	for i, q := range qs {
		out[i] = Candidate{Pipe: core.NewPipe("p", "", 1), Discharge: q}
	}
	return out
}

func TestDischargeWeightedChoose(t *testing.T) {
	linear := DischargeWeighted{Exponent: 1}
	cs := cands(3, 1)
	for _, tc := range []struct {
		u    float64
		want int
	}{
		{0, 0},
		{0.5, 0},
		{0.7499, 0},
		{0.75, 1},
		{0.999999, 1},
	} {
		if got := linear.Choose(cs, tc.u); got != tc.want {
			t.Errorf("u=%v: got %d, want %d", tc.u, got, tc.want)
		}
	}
	if got := linear.Choose(nil, 0.3); got != -1 {
		t.Errorf("no candidates: got %d", got)
	}

	uniform := DischargeWeighted{Exponent: 0}
	if got := uniform.Choose(cands(100, 1), 0.6); got != 1 {
		t.Errorf("uniform u=0.6: got %d, want 1", got)
	}
	square := DischargeWeighted{Exponent: 2}
	// weights 9 and 1: u=0.85 falls in the first 90%.
	if got := square.Choose(cs, 0.85); got != 0 {
		t.Errorf("power 2 u=0.85: got %d, want 0", got)
	}
}

func TestMaxDischargeChoose(t *testing.T) {
	if got := (MaxDischarge{}).Choose(cands(1, 5, 5, 2), 0.99); got != 1 {
		t.Fatalf("got %d, want 1", got)
	}
}

func TestPolicyByName(t *testing.T) {
	for name, want := range map[string]string{
		"":          "linear",
		"Linear":    "linear",
		"uniform":   "uniform",
		"max":       "max",
		"power:1.5": "power:1.5",
	} {
		p, err := PolicyByName(name)
		if err != nil {
			t.Fatalf("%q: %v", name, err)
		}
		if p.Name() != want {
			t.Errorf("%q: name %q, want %q", name, p.Name(), want)
		}
	}
	for _, bad := range []string{"random", "power:-1", "power:x"} {
		if _, err := PolicyByName(bad); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%q: expected ErrInvalidConfig, got %v", bad, err)
		}
	}
}
