package params

import "fmt"

// bounds is a default prior interval.
type bounds struct {
	lower, upper float64
}

// defaultBounds maps source parameter names to their default prior
// intervals. Units: km for positions and fault dimensions, degrees for
// angles, m^3 for volume change, m for slip, s for times.
var defaultBounds = map[string]bounds{
	"east_shift":    {-10, 10},
	"north_shift":   {-10, 10},
	"depth":         {0, 5},
	"strike":        {0, 180},
	"dip":           {45, 90},
	"rake":          {-90, 90},
	"length":        {5, 30},
	"width":         {5, 20},
	"slip":          {0.1, 8},
	"magnitude":     {4, 7},
	"volume_change": {1e8, 1e10},
	"time":          {-3, 3},
	"duration":      {0, 20},
}

// hyperLower and hyperUpper bound the log noise-scaling
// hyperparameters.
const (
	hyperLower = -20.0
	hyperUpper = 20.0
)

// DefaultParameter creates a parameter with the catalogue bounds for a
// known source parameter name, dimensioned for nsources sources.
func DefaultParameter(name string, nsources int) (*Parameter, error) {
	b, ok := defaultBounds[name]
	if !ok {
		return nil, fmt.Errorf("no default bounds for parameter %s", name)
	}
	return NewVectorParameter(name, b.lower, b.upper, nsources), nil
}

// HyperParameter creates a log noise-scaling hyperparameter with the
// default bounds and a mid-range test value.
func HyperParameter(name string) *Parameter {
	return &Parameter{
		Name:      name,
		Lower:     []float64{hyperLower},
		Upper:     []float64{hyperUpper},
		TestValue: []float64{(hyperLower + hyperUpper) / 2},
	}
}
