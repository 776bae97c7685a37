package problem

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/geodynlab/bise/gfstore"
)

// Covariance is the noise model of one dataset: a data part (a priori
// or empirically estimated) plus a model-prediction part derived from
// the variation-store ensemble. The factorization is cached; Update
// must be called after either part changes.
type Covariance struct {
	Data *mat.SymDense
	Pred *mat.SymDense

	chol   mat.Cholesky
	logdet float64
	valid  bool
}

// NewCovariance creates a diagonal data covariance with the given
// standard deviation.
func NewCovariance(n int, std float64) *Covariance {
	c := &Covariance{Data: mat.NewSymDense(n, nil)}
	for i := 0; i < n; i++ {
		c.Data.SetSym(i, i, std*std)
	}
	return c
}

// N returns the covariance dimension.
func (c *Covariance) N() int {
	return c.Data.SymmetricDim()
}

// Update factorizes Data+Pred. A non-positive-definite total
// covariance gets a growing diagonal jitter before giving up.
func (c *Covariance) Update() error {
	n := c.N()
	total := mat.NewSymDense(n, nil)
	total.CopySym(c.Data)
	if c.Pred != nil {
		total.AddSym(total, c.Pred)
	}
	jitter := 0.0
	for try := 0; try < 8; try++ {
		if jitter > 0 {
			for i := 0; i < n; i++ {
				total.SetSym(i, i, total.At(i, i)+jitter)
			}
		}
		if c.chol.Factorize(total) {
			c.logdet = c.chol.LogDet()
			c.valid = true
			return nil
		}
		if jitter == 0 {
			jitter = 1e-10 * meanDiag(total)
		} else {
			jitter *= 10
		}
	}
	c.valid = false
	return fmt.Errorf("covariance not positive definite")
}

func meanDiag(s *mat.SymDense) float64 {
	n := s.SymmetricDim()
	var sum float64
	for i := 0; i < n; i++ {
		sum += s.At(i, i)
	}
	if sum <= 0 {
		return 1
	}
	return sum / float64(n)
}

// LogDet returns the log determinant of the factorized covariance.
func (c *Covariance) LogDet() float64 {
	if !c.valid {
		panic("covariance used before Update")
	}
	return c.logdet
}

// QuadForm returns r' C^-1 r for the factorized covariance. The
// receiver is read-only; QuadForm is safe for concurrent use.
func (c *Covariance) QuadForm(r []float64) float64 {
	if !c.valid {
		panic("covariance used before Update")
	}
	rv := mat.NewVecDense(len(r), r)
	tmp := mat.NewVecDense(len(r), nil)
	if err := c.chol.SolveVecTo(tmp, rv); err != nil {
		return math.Inf(1)
	}
	return mat.Dot(rv, tmp)
}

// EstimateDataCovariance builds an empirical data covariance for a
// dataset: noise variance from the median absolute deviation of the
// observations and exponential correlation over target separation
// (static data) or sample lag (waveforms). corrLen is in km for
// static data, in seconds for waveforms.
func EstimateDataCovariance(d *Dataset, corrLen float64, sampleRate float64) *mat.SymDense {
	sigma := 1.4826 * medianAbsDev(d.Observed)
	if sigma <= 0 {
		sigma = d.Std
	}
	n := d.NObs()
	cov := mat.NewSymDense(n, nil)
	if d.NSamples == 1 {
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				dist := math.Hypot(
					d.Targets[i].East-d.Targets[j].East,
					d.Targets[i].North-d.Targets[j].North)
				cov.SetSym(i, j, sigma*sigma*math.Exp(-dist/corrLen))
			}
		}
		return cov
	}
	// waveforms correlate within a trace only
	decay := corrLen * sampleRate
	if decay <= 0 {
		decay = 1
	}
	for t := 0; t < len(d.Targets); t++ {
		off := t * d.NSamples
		for i := 0; i < d.NSamples; i++ {
			for j := i; j < d.NSamples; j++ {
				v := sigma * sigma * math.Exp(-float64(j-i)/decay)
				cov.SetSym(off+i, off+j, v)
			}
		}
	}
	return cov
}

func medianAbsDev(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	m := median(x)
	dev := make([]float64, len(x))
	for i, v := range x {
		dev[i] = math.Abs(v - m)
	}
	return median(dev)
}

func median(x []float64) float64 {
	s := append([]float64(nil), x...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// PredictionCovariance estimates the model-prediction covariance of
// one dataset from the spread of synthetics across the variation
// stores at the given sources. Returns nil when the ensemble has no
// variations.
func PredictionCovariance(e *gfstore.Ensemble, sources []gfstore.Source, d *Dataset, interp gfstore.Interpolation, stf gfstore.STFType) (*mat.SymDense, error) {
	stores := e.Stores()
	if len(stores) < 2 {
		return nil, nil
	}
	n := d.NObs()
	rows := mat.NewDense(len(stores), n, nil)
	for k, st := range stores {
		syn, err := gfstore.Synthesize(st, sources, d.Targets, interp, stf, nil)
		if err != nil {
			return nil, err
		}
		rows.SetRow(k, syn)
	}
	pred := mat.NewSymDense(n, nil)
	stat.CovarianceMatrix(pred, rows, nil)
	return pred, nil
}

// removePlane estimates a planar trend a + b*east + c*north over the
// targets by least squares and subtracts it from the residual.
// Only meaningful for static data.
func removePlane(res []float64, targets []gfstore.Target) {
	n := len(res)
	if n < 3 || n != len(targets) {
		return
	}
	a := mat.NewDense(n, 3, nil)
	for i, t := range targets {
		a.Set(i, 0, 1)
		a.Set(i, 1, t.East)
		a.Set(i, 2, t.North)
	}
	b := mat.NewVecDense(n, res)
	var qr mat.QR
	qr.Factorize(a)
	coef := mat.NewDense(3, 1, nil)
	if err := qr.SolveTo(coef, false, b); err != nil {
		return
	}
	for i, t := range targets {
		res[i] -= coef.At(0, 0) + coef.At(1, 0)*t.East + coef.At(2, 0)*t.North
	}
}
