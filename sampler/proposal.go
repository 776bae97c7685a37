package sampler

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"
)

// ProposalKind selects one of the supported transition kernels.
type ProposalKind int

const (
	// NormalKind is an independent Gaussian step per dimension.
	NormalKind ProposalKind = iota
	// CauchyKind is a heavy-tailed Cauchy step per dimension.
	CauchyKind
	// LaplaceKind is a double-exponential step per dimension.
	LaplaceKind
	// MultivariateNormalKind is a correlated Gaussian step drawn
	// from a full covariance.
	MultivariateNormalKind
)

// String returns the configuration name of the kind.
func (k ProposalKind) String() string {
	switch k {
	case NormalKind:
		return "Normal"
	case CauchyKind:
		return "Cauchy"
	case LaplaceKind:
		return "Laplace"
	case MultivariateNormalKind:
		return "MultivariateNormal"
	}
	return "Unknown"
}

// ProposalKindFromString parses a configuration name.
func ProposalKindFromString(s string) (ProposalKind, error) {
	switch s {
	case "Normal":
		return NormalKind, nil
	case "Cauchy":
		return CauchyKind, nil
	case "Laplace":
		return LaplaceKind, nil
	case "MultivariateNormal":
		return MultivariateNormalKind, nil
	}
	return NormalKind, fmt.Errorf("unknown proposal distribution: %s", s)
}

// Proposal draws a symmetric random-walk step around x into dst.
// Proposals carry no random state; the caller passes its own source so
// chains stay independent across workers.
type Proposal interface {
	Propose(dst, x []float64, scale float64, rng *rand.Rand)
}

// widthProposal is a per-dimension kernel whose step widths can be
// adapted between stages.
type widthProposal struct {
	widths []float64
}

func (p *widthProposal) SetWidths(w []float64) {
	copy(p.widths, w)
}

// normalProposal steps each dimension by an independent Gaussian.
type normalProposal struct {
	widthProposal
}

func (p *normalProposal) Propose(dst, x []float64, scale float64, rng *rand.Rand) {
	n := distuv.Normal{Mu: 0, Sigma: 1, Src: rng}
	for i := range x {
		dst[i] = x[i] + scale*p.widths[i]*n.Rand()
	}
}

// cauchyProposal steps each dimension by a Cauchy deviate drawn with
// the inverse CDF; heavy tails let chains escape local modes.
type cauchyProposal struct {
	widthProposal
}

func (p *cauchyProposal) Propose(dst, x []float64, scale float64, rng *rand.Rand) {
	for i := range x {
		dst[i] = x[i] + scale*p.widths[i]*math.Tan(math.Pi*(rng.Float64()-0.5))
	}
}

// laplaceProposal steps each dimension by a double-exponential
// deviate.
type laplaceProposal struct {
	widthProposal
}

func (p *laplaceProposal) Propose(dst, x []float64, scale float64, rng *rand.Rand) {
	l := distuv.Laplace{Mu: 0, Scale: 1, Src: rng}
	for i := range x {
		dst[i] = x[i] + scale*p.widths[i]*l.Rand()
	}
}

// mvnProposal steps by a correlated Gaussian drawn from the stage
// covariance. SetCov must succeed before the first Propose.
type mvnProposal struct {
	mu   []float64
	chol mat.Cholesky
	ok   bool
}

// SetCov factorizes a new proposal covariance. A non-positive-definite
// matrix gets a growing diagonal jitter before giving up.
func (p *mvnProposal) SetCov(cov *mat.SymDense) error {
	n := cov.SymmetricDim()
	if len(p.mu) != n {
		return fmt.Errorf("proposal covariance dimension %d, want %d", n, len(p.mu))
	}
	work := mat.NewSymDense(n, nil)
	work.CopySym(cov)
	jitter := 0.0
	for try := 0; try < 8; try++ {
		if jitter > 0 {
			for i := 0; i < n; i++ {
				work.SetSym(i, i, work.At(i, i)+jitter)
			}
		}
		if p.chol.Factorize(work) {
			p.ok = true
			return nil
		}
		if jitter == 0 {
			jitter = 1e-10 * symMeanDiag(work)
		} else {
			jitter *= 10
		}
	}
	p.ok = false
	return fmt.Errorf("proposal covariance not positive definite")
}

func symMeanDiag(s *mat.SymDense) float64 {
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

func (p *mvnProposal) Propose(dst, x []float64, scale float64, rng *rand.Rand) {
	if !p.ok {
		panic("multivariate proposal used before SetCov")
	}
	step := make([]float64, len(x))
	distmv.NormalRand(step, p.mu, &p.chol, rng)
	for i := range x {
		dst[i] = x[i] + scale*step[i]
	}
}

// newProposal creates a kernel for an ndim-dimensional space with the
// given initial per-dimension widths (ignored by the multivariate
// kind).
func newProposal(kind ProposalKind, widths []float64) Proposal {
	w := append([]float64(nil), widths...)
	switch kind {
	case NormalKind:
		return &normalProposal{widthProposal{widths: w}}
	case CauchyKind:
		return &cauchyProposal{widthProposal{widths: w}}
	case LaplaceKind:
		return &laplaceProposal{widthProposal{widths: w}}
	case MultivariateNormalKind:
		return &mvnProposal{mu: make([]float64, len(widths))}
	}
	panic(fmt.Sprintf("unknown proposal kind %d", kind))
}

// tuneScale rescales a proposal scale from the observed acceptance
// rate, pulling chains toward the 0.2-0.5 band.
func tuneScale(scale, rate float64) float64 {
	switch {
	case rate < 0.001:
		return scale * 0.1
	case rate < 0.05:
		return scale * 0.5
	case rate < 0.2:
		return scale * 0.9
	case rate > 0.95:
		return scale * 10
	case rate > 0.75:
		return scale * 2
	case rate > 0.5:
		return scale * 1.1
	}
	return scale
}

// priorWidths derives initial per-dimension step widths from the prior
// box: a twentieth of each bound range.
func priorWidths(lower, upper []float64) []float64 {
	w := make([]float64, len(lower))
	for i := range w {
		w[i] = (upper[i] - lower[i]) / 20
		if w[i] <= 0 || math.IsInf(w[i], 0) {
			w[i] = 1
		}
	}
	return w
}
