// Package params defines the model parameter space: bounded prior
// parameters, sampling from priors and bound checking for proposals.
package params

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Form is the prior distribution form of a parameter.
type Form int

const (
	// Uniform is a uniform prior between the bounds.
	Uniform Form = iota
	// Normal is a normal prior centered between the bounds and
	// truncated at them.
	Normal
)

// String returns the form name.
func (f Form) String() string {
	switch f {
	case Uniform:
		return "Uniform"
	case Normal:
		return "Normal"
	}
	return "unknown"
}

// FormFromString returns a prior form given its name.
func FormFromString(s string) (Form, error) {
	switch s {
	case "Uniform", "":
		return Uniform, nil
	case "Normal":
		return Normal, nil
	}
	return Uniform, fmt.Errorf("unknown prior form: %s", s)
}

// Parameter is a named prior parameter. For problems with multiple
// sources the bounds and test value have one entry per source.
type Parameter struct {
	Name      string    `yaml:"name"`
	Form      string    `yaml:"form,omitempty"`
	Lower     []float64 `yaml:"lower,flow"`
	Upper     []float64 `yaml:"upper,flow"`
	TestValue []float64 `yaml:"testvalue,flow"`
}

// NewParameter creates a single-dimensional parameter with a uniform
// prior and a test value at lower + upper/5 (matching the default
// prior initialisation).
func NewParameter(name string, lower, upper float64) *Parameter {
	return &Parameter{
		Name:      name,
		Lower:     []float64{lower},
		Upper:     []float64{upper},
		TestValue: []float64{lower + upper/5},
	}
}

// NewVectorParameter creates an n-dimensional parameter with identical
// bounds in every dimension.
func NewVectorParameter(name string, lower, upper float64, n int) *Parameter {
	p := &Parameter{
		Name:      name,
		Lower:     make([]float64, n),
		Upper:     make([]float64, n),
		TestValue: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		p.Lower[i] = lower
		p.Upper[i] = upper
		p.TestValue[i] = lower + upper/5
	}
	return p
}

// NDim returns the parameter dimensionality.
func (p *Parameter) NDim() int {
	return len(p.Lower)
}

// Validate checks dimensionality agreement and that the test value
// lies within the bounds.
func (p *Parameter) Validate() error {
	if len(p.Lower) == 0 {
		return fmt.Errorf("parameter %s: empty bounds", p.Name)
	}
	if len(p.Upper) != len(p.Lower) || len(p.TestValue) != len(p.Lower) {
		return fmt.Errorf("parameter %s: inconsistent dimensions (lower=%d, upper=%d, testvalue=%d)",
			p.Name, len(p.Lower), len(p.Upper), len(p.TestValue))
	}
	if _, err := FormFromString(p.Form); err != nil {
		return fmt.Errorf("parameter %s: %v", p.Name, err)
	}
	for i := range p.Lower {
		if p.Upper[i] <= p.Lower[i] {
			return fmt.Errorf("parameter %s[%d]: upper bound %v <= lower bound %v",
				p.Name, i, p.Upper[i], p.Lower[i])
		}
		if p.TestValue[i] < p.Lower[i] || p.TestValue[i] > p.Upper[i] {
			return fmt.Errorf("parameter %s[%d]: test value %v outside bounds [%v, %v]",
				p.Name, i, p.TestValue[i], p.Lower[i], p.Upper[i])
		}
	}
	return nil
}

// draw samples one dimension of the parameter from its prior.
func (p *Parameter) draw(i int, rng *rand.Rand) float64 {
	form, _ := FormFromString(p.Form)
	switch form {
	case Normal:
		mu := (p.Lower[i] + p.Upper[i]) / 2
		sd := (p.Upper[i] - p.Lower[i]) / 6
		d := distuv.Normal{Mu: mu, Sigma: sd, Src: rng}
		// truncate by redrawing
		for {
			v := d.Rand()
			if v >= p.Lower[i] && v <= p.Upper[i] {
				return v
			}
		}
	default:
		d := distuv.Uniform{Min: p.Lower[i], Max: p.Upper[i], Src: rng}
		return d.Rand()
	}
}

// logPrior returns the prior log density of one dimension.
func (p *Parameter) logPrior(i int, x float64) float64 {
	if x < p.Lower[i] || x > p.Upper[i] {
		return math.Inf(-1)
	}
	form, _ := FormFromString(p.Form)
	switch form {
	case Normal:
		mu := (p.Lower[i] + p.Upper[i]) / 2
		sd := (p.Upper[i] - p.Lower[i]) / 6
		d := distuv.Normal{Mu: mu, Sigma: sd}
		return d.LogProb(x)
	default:
		return -math.Log(p.Upper[i] - p.Lower[i])
	}
}

// OutOfBoundsError reports a parameter value outside its declared
// bounds. The sampler recovers by rejecting the proposal.
type OutOfBoundsError struct {
	Name   string
	Index  int
	Value  float64
	Lower  float64
	Upper  float64
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("parameter %s[%d]=%v outside bounds [%v, %v]",
		e.Name, e.Index, e.Value, e.Lower, e.Upper)
}
