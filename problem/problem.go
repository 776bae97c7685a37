package problem

import (
	"errors"
	"fmt"
	"math"

	"github.com/geodynlab/bise/gfstore"
	"github.com/geodynlab/bise/params"
)

// SourceSpec fixes the source model of a problem: the parametric
// source type, the source time function, the number of simultaneous
// sources and the forward-modeling options.
type SourceSpec struct {
	Type          gfstore.SourceType
	STF           gfstore.STFType
	NSources      int
	Decimation    int
	Interpolation gfstore.Interpolation
}

// Problem owns the parameter space, the datasets and the GF store
// handles, and evaluates the joint log-likelihood of a parameter
// vector. A Problem is safe for concurrent LogLikelihood calls; the
// hyperparameter snapshot and covariances are frozen between
// sampling stages.
type Problem struct {
	space      *params.Space
	hyperSpace *params.Space
	spec       SourceSpec
	datasets   []*Dataset
	hypers     []float64
}

// Attach binds a dataset to its Green's-function ensemble.
func (d *Dataset) Attach(e *gfstore.Ensemble, interp gfstore.Interpolation) {
	d.ensemble = e
	d.interp = interp
}

// defaultCorrLen is the correlation length for empirical data
// covariance estimation: km for static data, seconds for waveforms.
const defaultCorrLen = 10.0

// New assembles a problem. Every dataset must be attached to an
// ensemble and have a matching hyperparameter h_<type> in the hyper
// space. Data covariances are built (empirically when requested) and
// factorized here.
func New(space, hyperSpace *params.Space, spec SourceSpec, datasets []*Dataset, calcDataCov bool) (*Problem, error) {
	if spec.NSources < 1 {
		return nil, fmt.Errorf("problem needs at least one source")
	}
	p := &Problem{
		space:      space,
		hyperSpace: hyperSpace,
		spec:       spec,
		datasets:   datasets,
		hypers:     hyperSpace.Test(),
	}
	for _, ds := range datasets {
		if ds.ensemble == nil {
			return nil, fmt.Errorf("dataset %s: no gf store attached", ds.Name)
		}
		off, ok := hyperSpace.Offset(ds.HyperName())
		if !ok {
			return nil, fmt.Errorf("dataset %s: no hyperparameter %s configured",
				ds.Name, ds.HyperName())
		}
		ds.hyperIdx = off

		if ds.Cov == nil {
			ds.Cov = NewCovariance(ds.NObs(), ds.Std)
		}
		if calcDataCov {
			sr := ds.ensemble.Reference().Meta().SampleRate
			ds.Cov.Data = EstimateDataCovariance(ds, defaultCorrLen, sr)
			log.Infof("dataset %s: empirical data covariance estimated", ds.Name)
		}
		if err := ds.Cov.Update(); err != nil {
			return nil, fmt.Errorf("dataset %s: %v", ds.Name, err)
		}
	}
	return p, nil
}

// Space returns the source parameter space.
func (p *Problem) Space() *params.Space {
	return p.space
}

// HyperSpace returns the hyperparameter space.
func (p *Problem) HyperSpace() *params.Space {
	return p.hyperSpace
}

// Datasets returns the problem datasets.
func (p *Problem) Datasets() []*Dataset {
	return p.datasets
}

// SetHypers freezes a hyperparameter snapshot used by subsequent
// likelihood evaluations. Must not be called while workers are
// evaluating.
func (p *Problem) SetHypers(h []float64) {
	if len(h) != len(p.hypers) {
		panic("incorrect number of hyperparameters")
	}
	copy(p.hypers, h)
}

// Sources maps a flat parameter vector to source model instances.
// Parameters with fewer dimensions than sources are shared across
// sources.
func (p *Problem) Sources(x []float64) ([]gfstore.Source, error) {
	srcs := make([]gfstore.Source, p.spec.NSources)
	for i := range srcs {
		vals := make(map[string]float64, p.space.NDim())
		for _, par := range p.space.Parameters() {
			v := p.space.Get(x, par.Name)
			j := i
			if j >= len(v) {
				j = len(v) - 1
			}
			vals[par.Name] = v[j]
		}
		src, err := gfstore.NewSource(p.spec.Type, vals, p.spec.Decimation)
		if err != nil {
			return nil, err
		}
		srcs[i] = src
	}
	return srcs, nil
}

// residual computes observed minus synthetic for one dataset,
// including planar-trend removal when enabled.
func (p *Problem) residual(ds *Dataset, srcs []gfstore.Source) ([]float64, error) {
	syn, err := gfstore.Synthesize(
		ds.ensemble.Reference(), srcs, ds.Targets, ds.interp, p.spec.STF, nil)
	if err != nil {
		return nil, err
	}
	res := make([]float64, len(syn))
	for i := range syn {
		res[i] = ds.Observed[i] - syn[i]
	}
	if ds.FitPlane && ds.NSamples == 1 {
		removePlane(res, ds.Targets)
	}
	return res, nil
}

// LogLikelihood evaluates the joint log-likelihood of a parameter
// vector across all datasets. Out-of-grid source configurations and
// non-finite residuals score as -Inf rather than aborting the chain.
func (p *Problem) LogLikelihood(x []float64) float64 {
	srcs, err := p.Sources(x)
	if err != nil {
		// structural: unknown source type cannot happen after
		// config validation
		panic(err)
	}
	var total float64
	for _, ds := range p.datasets {
		res, err := p.residual(ds, srcs)
		if err != nil {
			var re *gfstore.RangeError
			if errors.As(err, &re) {
				log.Debugf("dataset %s: %v, rejecting draw", ds.Name, re)
			} else {
				log.Warningf("dataset %s: synthesis failed: %v", ds.Name, err)
			}
			return math.Inf(-1)
		}
		total += LogLikelihood(res, ds.Cov, p.hypers[ds.hyperIdx])
		if math.IsInf(total, -1) {
			return total
		}
	}
	return total
}

// UpdateWeights recomputes the model-prediction covariance of every
// dataset from the variation-store ensembles at the given point and
// refactorizes. Called between sampling stages when covariance
// updating is enabled.
func (p *Problem) UpdateWeights(x []float64) error {
	srcs, err := p.Sources(x)
	if err != nil {
		return err
	}
	for _, ds := range p.datasets {
		pred, err := PredictionCovariance(ds.ensemble, srcs, ds, ds.interp, p.spec.STF)
		if err != nil {
			var re *gfstore.RangeError
			if errors.As(err, &re) {
				log.Warningf("dataset %s: covariance update point outside grid, keeping previous weights", ds.Name)
				continue
			}
			return err
		}
		if pred != nil {
			ds.Cov.Pred = pred
		}
		if err := ds.Cov.Update(); err != nil {
			return fmt.Errorf("dataset %s: %v", ds.Name, err)
		}
	}
	return nil
}

// UpdateBaseResiduals freezes per-dataset residual quadratic forms at
// the given point for hyperparameter-only sampling.
func (p *Problem) UpdateBaseResiduals(x []float64) error {
	srcs, err := p.Sources(x)
	if err != nil {
		return err
	}
	for _, ds := range p.datasets {
		res, err := p.residual(ds, srcs)
		if err != nil {
			return fmt.Errorf("dataset %s: base residual at reference point: %v", ds.Name, err)
		}
		ds.baseQuad = ds.Cov.QuadForm(res)
		ds.baseOK = true
	}
	return nil
}

// HyperTarget is the hyperparameter-only posterior target: the
// likelihood depends on the frozen base residuals, not on the source
// parameters.
type HyperTarget struct {
	p *Problem
}

// HyperTarget returns the hyperparameter sampling target.
// UpdateBaseResiduals must have been called.
func (p *Problem) HyperTarget() (*HyperTarget, error) {
	for _, ds := range p.datasets {
		if !ds.baseOK {
			return nil, fmt.Errorf("dataset %s: base residuals not initialised", ds.Name)
		}
	}
	return &HyperTarget{p: p}, nil
}

// Space returns the hyperparameter space.
func (t *HyperTarget) Space() *params.Space {
	return t.p.hyperSpace
}

// LogLikelihood scores a hyperparameter vector against the frozen
// residuals.
func (t *HyperTarget) LogLikelihood(h []float64) float64 {
	var total float64
	for _, ds := range t.p.datasets {
		total += hyperLogLikelihood(ds.baseQuad, ds.Cov.LogDet(), ds.NObs(), h[ds.hyperIdx])
	}
	return total
}
