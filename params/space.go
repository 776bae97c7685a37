package params

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
)

// Space is an ordered set of parameters flattened into a single
// vector. The flattening order is the parameter order given at
// construction, each parameter contributing NDim consecutive entries.
type Space struct {
	params  []*Parameter
	offsets []int
	names   []string
	lower   []float64
	upper   []float64
	ndim    int
}

// NewSpace creates a parameter space. All parameters are validated.
func NewSpace(parameters []*Parameter) (*Space, error) {
	s := &Space{
		params:  parameters,
		offsets: make([]int, len(parameters)),
	}
	for i, p := range parameters {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		s.offsets[i] = s.ndim
		s.ndim += p.NDim()
		for d := 0; d < p.NDim(); d++ {
			name := p.Name
			if p.NDim() > 1 {
				name = fmt.Sprintf("%s_%d", p.Name, d)
			}
			s.names = append(s.names, name)
			s.lower = append(s.lower, p.Lower[d])
			s.upper = append(s.upper, p.Upper[d])
		}
	}
	if s.ndim == 0 {
		return nil, fmt.Errorf("empty parameter space")
	}
	return s, nil
}

// NDim returns the total dimensionality of the flattened vector.
func (s *Space) NDim() int {
	return s.ndim
}

// Names returns per-dimension names (vector parameters get a _i
// suffix).
func (s *Space) Names() []string {
	return s.names
}

// Lower returns the flattened lower bounds.
func (s *Space) Lower() []float64 {
	return s.lower
}

// Upper returns the flattened upper bounds.
func (s *Space) Upper() []float64 {
	return s.upper
}

// Parameters returns the underlying parameters in flattening order.
func (s *Space) Parameters() []*Parameter {
	return s.params
}

// Offset returns the flat offset of a named parameter.
func (s *Space) Offset(name string) (int, bool) {
	for i, p := range s.params {
		if p.Name == name {
			return s.offsets[i], true
		}
	}
	return 0, false
}

// Get returns the named slice of a flat vector.
func (s *Space) Get(x []float64, name string) []float64 {
	for i, p := range s.params {
		if p.Name == name {
			return x[s.offsets[i] : s.offsets[i]+p.NDim()]
		}
	}
	return nil
}

// Test returns the flattened test point.
func (s *Space) Test() []float64 {
	x := make([]float64, 0, s.ndim)
	for _, p := range s.params {
		x = append(x, p.TestValue...)
	}
	return x
}

// DrawPrior samples a point from the joint prior.
func (s *Space) DrawPrior(rng *rand.Rand) []float64 {
	x := make([]float64, 0, s.ndim)
	for _, p := range s.params {
		for d := 0; d < p.NDim(); d++ {
			x = append(x, p.draw(d, rng))
		}
	}
	return x
}

// LogPrior returns the joint prior log density; -Inf outside the
// bounds.
func (s *Space) LogPrior(x []float64) float64 {
	if len(x) != s.ndim {
		panic("incorrect number of parameters")
	}
	lp := 0.0
	i := 0
	for _, p := range s.params {
		for d := 0; d < p.NDim(); d++ {
			lp += p.logPrior(d, x[i])
			i++
		}
	}
	return lp
}

// InBounds reports whether every element of x lies within its bounds.
func (s *Space) InBounds(x []float64) bool {
	if len(x) != s.ndim {
		return false
	}
	for i, v := range x {
		if v < s.lower[i] || v > s.upper[i] {
			return false
		}
	}
	return true
}

// CheckBounds returns an *OutOfBoundsError for the first violating
// element, nil if x is inside the prior box.
func (s *Space) CheckBounds(x []float64) error {
	if len(x) != s.ndim {
		return fmt.Errorf("incorrect vector length %d, want %d", len(x), s.ndim)
	}
	for i, v := range x {
		if v < s.lower[i] || v > s.upper[i] {
			return &OutOfBoundsError{
				Name:  s.names[i],
				Index: i,
				Value: v,
				Lower: s.lower[i],
				Upper: s.upper[i],
			}
		}
	}
	return nil
}

// ToUnconstrained maps x from the bounded prior box to an unbounded
// vector with a logit transform, so unbounded proposal kernels can be
// applied safely.
func (s *Space) ToUnconstrained(dst, x []float64) []float64 {
	if dst == nil {
		dst = make([]float64, s.ndim)
	}
	for i, v := range x {
		p := (v - s.lower[i]) / (s.upper[i] - s.lower[i])
		dst[i] = math.Log(p / (1 - p))
	}
	return dst
}

// FromUnconstrained is the inverse of ToUnconstrained.
func (s *Space) FromUnconstrained(dst, u []float64) []float64 {
	if dst == nil {
		dst = make([]float64, s.ndim)
	}
	for i, v := range u {
		dst[i] = s.lower[i] + (s.upper[i]-s.lower[i])/(1+math.Exp(-v))
	}
	return dst
}
