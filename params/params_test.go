package params

import (
	"errors"
	"math"
	"testing"

	"golang.org/x/exp/rand"
)

// smallDiff is a threshold for testing
const smallDiff = 1e-9

func TestParameterValidate(tst *testing.T) {
	p := NewParameter("depth", 0, 5)
	if err := p.Validate(); err != nil {
		tst.Error("Error: ", err)
	}
	if p.TestValue[0] != 1 {
		tst.Error("Expected test value 1, got", p.TestValue[0])
	}

	bad := &Parameter{Name: "depth", Lower: []float64{0}, Upper: []float64{5},
		TestValue: []float64{6}}
	if err := bad.Validate(); err == nil {
		tst.Error("Expected error for test value outside bounds")
	}

	inverted := &Parameter{Name: "depth", Lower: []float64{5}, Upper: []float64{0},
		TestValue: []float64{2}}
	if err := inverted.Validate(); err == nil {
		tst.Error("Expected error for inverted bounds")
	}
}

func TestSpaceFlatten(tst *testing.T) {
	s, err := NewSpace([]*Parameter{
		NewVectorParameter("east_shift", -10, 10, 2),
		NewParameter("depth", 0, 5),
	})
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if s.NDim() != 3 {
		tst.Error("Expected 3 dimensions, got", s.NDim())
	}
	names := s.Names()
	want := []string{"east_shift_0", "east_shift_1", "depth"}
	for i, n := range want {
		if names[i] != n {
			tst.Error("Expected name", n, ", got", names[i])
		}
	}
	off, ok := s.Offset("depth")
	if !ok || off != 2 {
		tst.Error("Expected depth at offset 2, got", off)
	}
	x := []float64{1, 2, 3}
	d := s.Get(x, "depth")
	if len(d) != 1 || d[0] != 3 {
		tst.Error("Expected depth slice [3], got", d)
	}
}

func TestDrawPriorInBounds(tst *testing.T) {
	s, err := NewSpace([]*Parameter{
		NewParameter("east_shift", -10, 10),
		{Name: "depth", Form: "Normal", Lower: []float64{0}, Upper: []float64{5},
			TestValue: []float64{2}},
	})
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		x := s.DrawPrior(rng)
		if !s.InBounds(x) {
			tst.Fatal("Prior draw outside bounds:", x)
		}
	}
}

func TestLogPriorUniform(tst *testing.T) {
	s, err := NewSpace([]*Parameter{
		NewParameter("east_shift", -10, 10),
		NewParameter("depth", 0, 5),
	})
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	lp := s.LogPrior([]float64{0, 2})
	ref := -math.Log(20) - math.Log(5)
	tst.Log("lp=", lp, ", Ref=", ref)
	if math.Abs(lp-ref) > smallDiff {
		tst.Error("Expected ", ref, ", got", lp)
	}
	if !math.IsInf(s.LogPrior([]float64{0, 6}), -1) {
		tst.Error("Expected -Inf outside bounds")
	}
}

func TestCheckBounds(tst *testing.T) {
	s, err := NewSpace([]*Parameter{
		NewParameter("east_shift", -10, 10),
		NewParameter("depth", 0, 5),
	})
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if err := s.CheckBounds([]float64{0, 2}); err != nil {
		tst.Error("Error: ", err)
	}
	err = s.CheckBounds([]float64{0, 7})
	var oob *OutOfBoundsError
	if !errors.As(err, &oob) {
		tst.Fatal("Expected OutOfBoundsError, got", err)
	}
	if oob.Name != "depth" || oob.Index != 1 || oob.Value != 7 {
		tst.Error("Unexpected error detail:", oob)
	}
}

func TestUnconstrainedRoundTrip(tst *testing.T) {
	s, err := NewSpace([]*Parameter{
		NewParameter("east_shift", -10, 10),
		NewParameter("depth", 0, 5),
	})
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	x := []float64{3.5, 1.25}
	u := s.ToUnconstrained(nil, x)
	back := s.FromUnconstrained(nil, u)
	for i := range x {
		if math.Abs(back[i]-x[i]) > smallDiff {
			tst.Error("Round trip mismatch at", i, ":", back[i], "vs", x[i])
		}
	}
}

func TestDefaultParameter(tst *testing.T) {
	p, err := DefaultParameter("depth", 2)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if p.NDim() != 2 {
		tst.Error("Expected 2 dimensions, got", p.NDim())
	}
	if err := p.Validate(); err != nil {
		tst.Error("Error: ", err)
	}
	if _, err := DefaultParameter("unknown_thing", 1); err == nil {
		tst.Error("Expected error for unknown parameter name")
	}

	h := HyperParameter("h_SAR")
	if err := h.Validate(); err != nil {
		tst.Error("Error: ", err)
	}
	if h.Lower[0] != -20 || h.Upper[0] != 20 {
		tst.Error("Unexpected hyper bounds:", h.Lower[0], h.Upper[0])
	}
}
