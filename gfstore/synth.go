package gfstore

import (
	"fmt"
	"math"
	"path/filepath"
)

// Target is one observation point: a receiver position for static
// data, or a station trace window for time-domain data.
type Target struct {
	Name  string  `yaml:"name"`
	East  float64 `yaml:"east"`  // [km] relative to the reference event
	North float64 `yaml:"north"` // [km]
}

// Synthesize computes the forward model for a set of sources at the
// given targets: per target, the fundamental-component responses are
// interpolated from the store, stacked with the mechanism radiation
// weights and moments, shifted by the source origin time and
// convolved with the source time function. The result vector has
// len(targets)*NSamples entries in target order. Synthesize is a pure
// function of its inputs; the store is never mutated.
//
// A depth or distance outside the store grid yields a *RangeError;
// the caller scores the draw as zero-likelihood.
func Synthesize(st *Store, sources []Source, targets []Target, interp Interpolation, stf STFType, dst []float64) ([]float64, error) {
	ns := st.meta.NSamples
	if dst == nil {
		dst = make([]float64, len(targets)*ns)
	} else if len(dst) != len(targets)*ns {
		return nil, fmt.Errorf("synthesize: destination has %d values, want %d",
			len(dst), len(targets)*ns)
	}
	for i := range dst {
		dst[i] = 0
	}

	srcTrace := make([]float64, ns)
	ptTrace := make([]float64, ns)

	for ti, tgt := range targets {
		seg := dst[ti*ns : (ti+1)*ns]
		for _, src := range sources {
			for i := range srcTrace {
				srcTrace[i] = 0
			}
			for _, p := range src.Points() {
				de := tgt.East - p.East
				dn := tgt.North - p.North
				dist := math.Hypot(de, dn)
				azimuth := math.Atan2(de, dn) * 180 / math.Pi

				for i := range ptTrace {
					ptTrace[i] = 0
				}
				for ic, comp := range st.meta.Components {
					w := p.Mech.Weight(comp, azimuth) * p.Moment
					if w == 0 {
						continue
					}
					if err := st.AccumulateInterpolated(ptTrace, p.Depth, dist, ic, w, interp); err != nil {
						return nil, err
					}
				}
				accumulateShifted(srcTrace, ptTrace, p.Time, st.meta.SampleRate)
			}
			if ns > 1 {
				convolve(srcTrace, stf.Kernel(src.Duration(), st.meta.SampleRate))
			}
			for i, v := range srcTrace {
				seg[i] += v
			}
		}
	}
	return dst, nil
}

// accumulateShifted adds src into dst delayed by the origin-time
// shift. Static traces (one sample) ignore the shift.
func accumulateShifted(dst, src []float64, shift, sampleRate float64) {
	if len(dst) == 1 {
		dst[0] += src[0]
		return
	}
	n := int(math.Round(shift * sampleRate))
	for i := range src {
		j := i + n
		if j < 0 || j >= len(dst) {
			continue
		}
		dst[j] += src[i]
	}
}

// Ensemble is a reference store together with its variation stores
// (perturbed depth/velocity earth models), used to propagate
// modeling uncertainty into a prediction covariance term.
type Ensemble struct {
	stores []*Store
	ref    int
}

// OpenEnsemble opens the reference store at dir plus nVariations
// variation stores from subdirectories v001, v002, ... refIdx selects
// the store used for the mean prediction (0 is the reference model).
func OpenEnsemble(dir string, nVariations, refIdx int) (*Ensemble, error) {
	base, err := Open(dir)
	if err != nil {
		return nil, err
	}
	e := &Ensemble{stores: []*Store{base}}
	for i := 1; i <= nVariations; i++ {
		vs, err := Open(filepath.Join(dir, fmt.Sprintf("v%03d", i)))
		if err != nil {
			return nil, fmt.Errorf("variation store %d: %v", i, err)
		}
		e.stores = append(e.stores, vs)
	}
	if refIdx < 0 || refIdx >= len(e.stores) {
		return nil, fmt.Errorf("reference model index %d outside [0, %d]",
			refIdx, len(e.stores)-1)
	}
	e.ref = refIdx
	log.Infof("opened gf ensemble %s: %d store(s), reference model %d",
		dir, len(e.stores), refIdx)
	return e, nil
}

// Reference returns the store used for the mean prediction.
func (e *Ensemble) Reference() *Store {
	return e.stores[e.ref]
}

// Stores returns all stores, reference model first.
func (e *Ensemble) Stores() []*Store {
	return e.stores
}

// NVariations returns the number of variation stores.
func (e *Ensemble) NVariations() int {
	return len(e.stores) - 1
}
