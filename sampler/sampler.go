// Package sampler implements the posterior samplers: a Sequential
// Monte Carlo sampler with adaptive tempering for the source
// parameters and a Metropolis sampler for noise hyperparameters.
package sampler

import (
	"context"
	"math"

	"github.com/op/go-logging"
	"gonum.org/v1/gonum/stat"

	"github.com/geodynlab/bise/params"
)

// log is the global logging variable.
var log = logging.MustGetLogger("sampler")

// Target is a posterior sampling target: a parameter space with
// priors and a log-likelihood. Implementations must be safe for
// concurrent LogLikelihood calls and may return -Inf for rejected
// draws.
type Target interface {
	Space() *params.Space
	LogLikelihood(x []float64) float64
}

// CovarianceUpdater lets a sampler refresh the model-prediction
// covariances at a reference point between stages.
type CovarianceUpdater interface {
	UpdateWeights(x []float64) error
}

// PosteriorSampler is the common interface of the two sampling
// algorithms; the implementation is selected once at startup.
type PosteriorSampler interface {
	Run(ctx context.Context) (*Trace, error)
}

// Trace is an ordered set of posterior samples with importance
// weights and log-likelihoods.
type Trace struct {
	Names  []string
	X      [][]float64
	LogLik []float64
	Weight []float64
}

// NewTrace creates an empty trace for the given parameter names.
func NewTrace(names []string) *Trace {
	return &Trace{Names: names}
}

// Len returns the number of samples.
func (t *Trace) Len() int {
	return len(t.X)
}

// Append adds one sample. The vector is copied.
func (t *Trace) Append(x []float64, llk, weight float64) {
	t.X = append(t.X, append([]float64(nil), x...))
	t.LogLik = append(t.LogLik, llk)
	t.Weight = append(t.Weight, weight)
}

// BurnThin discards the first burn fraction of samples and keeps
// every thin-th of the remainder.
func (t *Trace) BurnThin(burn float64, thin int) *Trace {
	if thin < 1 {
		thin = 1
	}
	start := int(burn * float64(t.Len()))
	out := NewTrace(t.Names)
	for i := start; i < t.Len(); i += thin {
		out.Append(t.X[i], t.LogLik[i], t.Weight[i])
	}
	return out
}

// MeanStd returns the weighted posterior mean and standard deviation
// per parameter.
func (t *Trace) MeanStd() (mean, std []float64) {
	ndim := len(t.Names)
	mean = make([]float64, ndim)
	std = make([]float64, ndim)
	if t.Len() == 0 {
		return mean, std
	}
	col := make([]float64, t.Len())
	for d := 0; d < ndim; d++ {
		for i := range t.X {
			col[i] = t.X[i][d]
		}
		mean[d] = stat.Mean(col, t.Weight)
		if t.Len() > 1 {
			std[d] = stat.StdDev(col, t.Weight)
		}
	}
	return mean, std
}

// MaxLik returns the sample with the highest log-likelihood.
func (t *Trace) MaxLik() (x []float64, llk float64) {
	llk = math.Inf(-1)
	for i := range t.X {
		if t.LogLik[i] > llk {
			llk = t.LogLik[i]
			x = t.X[i]
		}
	}
	return x, llk
}
