package sampler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/geodynlab/bise/checkpoint"
	"github.com/geodynlab/bise/params"
)

// smcKind is the checkpoint namespace of the source-parameter sampler.
const smcKind = "smc"

// ErrConvergenceStall reports that tempering could not make progress:
// either no particle has a finite likelihood or the stage budget ran
// out before beta reached 1.
var ErrConvergenceStall = errors.New("tempering stalled before beta reached 1")

// SMCConfig collects the tuning knobs of the SMC sampler.
type SMCConfig struct {
	// NChains is the particle population size.
	NChains int
	// NSteps is the number of Metropolis steps per chain and stage.
	NSteps int
	// NJobs bounds the number of concurrent likelihood evaluations.
	NJobs int
	// TuneInterval is the number of steps between proposal scale
	// adjustments.
	TuneInterval int
	// CoefVariation is the target coefficient of variation of the
	// importance weights used to choose each beta increment.
	CoefVariation float64
	// Proposal selects the transition kernel.
	Proposal ProposalKind
	// CheckBounds rejects proposals outside the prior box before
	// evaluating the likelihood.
	CheckBounds bool
	// UpdateCovariances refreshes the model-prediction covariances
	// at the population mean between stages.
	UpdateCovariances bool
	// MaxStages caps the number of tempering stages.
	MaxStages int
	// Seed seeds all random draws; runs with the same seed and
	// configuration are reproducible.
	Seed uint64
}

// SMC is a Sequential Monte Carlo sampler with adaptive tempering:
// the population is transported from the prior (beta=0) to the
// posterior (beta=1) through importance reweighting, systematic
// resampling and Metropolis mutation at each stage.
type SMC struct {
	target Target
	cfg    SMCConfig

	// Checkpoint, when set, persists every completed stage for
	// resume; Retain controls how many stages are kept.
	Checkpoint *checkpoint.IO
	Retain     checkpoint.Retention
	// Updater, when set together with UpdateCovariances, refreshes
	// dataset covariances at the population mean between stages.
	Updater CovarianceUpdater

	// Betas records the tempering schedule of the completed run.
	Betas []float64
}

// NewSMC creates a sampler with defaults filled in for unset
// configuration values.
func NewSMC(target Target, cfg SMCConfig) *SMC {
	if cfg.NChains < 2 {
		cfg.NChains = 1000
	}
	if cfg.NSteps < 1 {
		cfg.NSteps = 100
	}
	if cfg.NJobs < 1 {
		cfg.NJobs = 1
	}
	if cfg.TuneInterval < 1 {
		cfg.TuneInterval = 10
	}
	if cfg.CoefVariation <= 0 {
		cfg.CoefVariation = 1
	}
	if cfg.MaxStages < 1 {
		cfg.MaxStages = 100
	}
	return &SMC{target: target, cfg: cfg}
}

// Run transports the particle population to beta=1 and returns the
// final equally weighted posterior population. Interruption via the
// context and resumption from a checkpoint both happen at stage
// boundaries.
func (s *SMC) Run(ctx context.Context) (*Trace, error) {
	space := s.target.Space()
	ndim := space.NDim()
	rng := rand.New(rand.NewSource(s.cfg.Seed))

	particles := make([][]float64, s.cfg.NChains)
	llks := make([]float64, s.cfg.NChains)
	scales := make([]float64, s.cfg.NChains)
	for i := range scales {
		scales[i] = 1
	}
	beta := 0.0
	stage := 0

	resumed := false
	if s.Checkpoint != nil {
		hi, err := s.Checkpoint.HighestStage(smcKind)
		if err != nil {
			return nil, err
		}
		if hi >= 0 {
			meta, chains, err := s.Checkpoint.LoadStage(smcKind, hi)
			if err != nil {
				return nil, err
			}
			if meta.NDim != ndim {
				return nil, fmt.Errorf("checkpoint has %d parameters, problem has %d",
					meta.NDim, ndim)
			}
			if len(chains) != s.cfg.NChains {
				log.Warningf("checkpoint population %d overrides configured %d chains",
					len(chains), s.cfg.NChains)
				particles = make([][]float64, len(chains))
				llks = make([]float64, len(chains))
				scales = make([]float64, len(chains))
			}
			for i := range chains {
				particles[i] = chains[i].X
				llks[i] = chains[i].LogLik
				scales[i] = 1
			}
			if len(meta.Scales) == len(scales) {
				copy(scales, meta.Scales)
			}
			beta = meta.Beta
			if meta.Final {
				log.Noticef("run already complete at stage %d", hi)
				return s.traceFrom(particles, llks), nil
			}
			stage = hi + 1
			resumed = true
			log.Noticef("resuming after stage %d, beta=%g", hi, beta)
		}
	}
	if !resumed {
		for i := range particles {
			particles[i] = space.DrawPrior(rng)
		}
		s.evalAll(particles, llks)
		log.Noticef("initialised %d particles from the prior", len(particles))
	}

	proposal := newProposal(s.cfg.Proposal, priorWidths(space.Lower(), space.Upper()))

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if stage >= s.cfg.MaxStages {
			log.Warningf("beta=%g after %d stages, giving up", beta, stage)
			return s.traceFrom(particles, llks), ErrConvergenceStall
		}

		newBeta, weights, err := nextBeta(beta, llks, s.cfg.CoefVariation)
		if err != nil {
			return nil, err
		}
		log.Noticef("stage %d: beta %.6f -> %.6f", stage, beta, newBeta)

		cov := weightedCovariance(particles, weights)
		if err := adaptProposal(proposal, cov); err != nil {
			return nil, err
		}

		idx := systematicResample(weights, rng)
		next := make([][]float64, len(idx))
		nextLlk := make([]float64, len(idx))
		nextScale := make([]float64, len(idx))
		for i, j := range idx {
			next[i] = append([]float64(nil), particles[j]...)
			nextLlk[i] = llks[j]
			nextScale[i] = scales[j]
		}

		if s.cfg.UpdateCovariances && s.Updater != nil {
			mean := weightedMean(particles, weights)
			if err := s.Updater.UpdateWeights(mean); err != nil {
				return nil, err
			}
			// the cached likelihoods refer to the old covariances
			s.evalAll(next, nextLlk)
		}

		beta = newBeta
		s.mutate(next, nextLlk, nextScale, beta, proposal, stage)
		particles, llks, scales = next, nextLlk, nextScale
		s.Betas = append(s.Betas, beta)

		if s.Checkpoint != nil {
			meta := &checkpoint.StageMeta{
				Beta:   beta,
				NDim:   ndim,
				Scales: scales,
				Cov:    flattenSym(cov),
				Final:  beta >= 1,
			}
			chains := make([]checkpoint.ChainState, len(particles))
			w := 1 / float64(len(particles))
			for i := range particles {
				chains[i] = checkpoint.ChainState{X: particles[i], LogLik: llks[i], Weight: w}
			}
			if err := s.Checkpoint.SaveStage(smcKind, stage, meta, chains); err != nil {
				return nil, err
			}
			if s.Retain == checkpoint.RetainLast && stage > 0 {
				if err := s.Checkpoint.DropStage(smcKind, stage-1); err != nil {
					return nil, err
				}
			}
		}

		if beta >= 1 {
			log.Noticef("posterior stage %d complete", stage)
			return s.traceFrom(particles, llks), nil
		}
		stage++
	}
}

// traceFrom packages an equally weighted population as a trace.
func (s *SMC) traceFrom(particles [][]float64, llks []float64) *Trace {
	t := NewTrace(s.target.Space().Names())
	w := 1 / float64(len(particles))
	for i := range particles {
		t.Append(particles[i], llks[i], w)
	}
	return t
}

// evalAll computes log-likelihoods for a population over the worker
// pool.
func (s *SMC) evalAll(xs [][]float64, llks []float64) {
	tasks := make(chan int, len(xs))
	var wg sync.WaitGroup
	for w := 0; w < s.cfg.NJobs; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range tasks {
				llks[i] = s.target.LogLikelihood(xs[i])
			}
		}()
	}
	for i := range xs {
		tasks <- i
	}
	close(tasks)
	wg.Wait()
}

// mutate runs one Metropolis chain per particle at the current beta,
// updating particles, llks and scales in place. Each chain owns a
// deterministic random source so results do not depend on worker
// scheduling.
func (s *SMC) mutate(particles [][]float64, llks, scales []float64, beta float64, prop Proposal, stage int) {
	space := s.target.Space()
	tasks := make(chan int, len(particles))
	var wg sync.WaitGroup
	for w := 0; w < s.cfg.NJobs; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			propX := make([]float64, space.NDim())
			for c := range tasks {
				rng := rand.New(rand.NewSource(chainSeed(s.cfg.Seed, stage, c)))
				x := particles[c]
				llk := llks[c]
				lp := space.LogPrior(x)
				scale := scales[c]
				accepted, since := 0, 0
				for step := 0; step < s.cfg.NSteps; step++ {
					prop.Propose(propX, x, scale, rng)
					since++
					if accept(space, s.target, x, propX, &llk, &lp, beta, rng, s.cfg.CheckBounds) {
						accepted++
					}
					if since >= s.cfg.TuneInterval {
						scale = tuneScale(scale, float64(accepted)/float64(since))
						accepted, since = 0, 0
					}
				}
				llks[c] = llk
				scales[c] = scale
			}
		}()
	}
	for c := range particles {
		tasks <- c
	}
	close(tasks)
	wg.Wait()
}

// accept performs one tempered Metropolis accept/reject step; on
// acceptance the proposal is copied into x and llk/lp are updated.
func accept(space *params.Space, target Target, x, propX []float64, llk, lp *float64, beta float64, rng *rand.Rand, checkBounds bool) bool {
	if checkBounds && !space.InBounds(propX) {
		return false
	}
	plp := space.LogPrior(propX)
	if math.IsInf(plp, -1) {
		return false
	}
	pllk := target.LogLikelihood(propX)
	a := beta*(pllk-*llk) + plp - *lp
	if math.IsNaN(a) {
		// both likelihoods infinite; move only uphill
		if pllk <= *llk {
			return false
		}
		a = 0
	}
	if a < 0 && math.Log(rng.Float64()) >= a {
		return false
	}
	copy(x, propX)
	*llk = pllk
	*lp = plp
	return true
}

func chainSeed(seed uint64, stage, chain int) uint64 {
	return seed + uint64(stage)*1000003 + uint64(chain)*7919 + 1
}

// importanceWeights returns the normalized weights exp(dbeta*llk) in a
// numerically safe way; particles with -Inf likelihood get weight 0.
// Returns nil when no particle has a finite likelihood.
func importanceWeights(llks []float64, dbeta float64) []float64 {
	max := math.Inf(-1)
	for _, l := range llks {
		if l > max {
			max = l
		}
	}
	if math.IsInf(max, -1) {
		return nil
	}
	w := make([]float64, len(llks))
	var sum float64
	for i, l := range llks {
		if math.IsInf(l, -1) {
			continue
		}
		w[i] = math.Exp(dbeta * (l - max))
		sum += w[i]
	}
	if sum <= 0 {
		return nil
	}
	for i := range w {
		w[i] /= sum
	}
	return w
}

// coefVariation is the relative spread std/mean of the weights.
func coefVariation(w []float64) float64 {
	if len(w) < 2 {
		return 0
	}
	mean := stat.Mean(w, nil)
	if mean <= 0 {
		return math.Inf(1)
	}
	return stat.StdDev(w, nil) / mean
}

// nextBeta chooses the largest beta increment whose importance weights
// stay below the target coefficient of variation, by bisection on the
// increment. The returned weights correspond to the returned beta.
func nextBeta(beta float64, llks []float64, target float64) (float64, []float64, error) {
	high := 1 - beta
	w := importanceWeights(llks, high)
	if w == nil {
		return 0, nil, ErrConvergenceStall
	}
	if coefVariation(w) <= target {
		return 1, w, nil
	}
	low := 0.0
	for i := 0; i < 100 && high-low > 1e-6; i++ {
		mid := 0.5 * (low + high)
		if coefVariation(importanceWeights(llks, mid)) > target {
			high = mid
		} else {
			low = mid
		}
	}
	dbeta := 0.5 * (low + high)
	if dbeta <= 0 {
		return 0, nil, ErrConvergenceStall
	}
	w = importanceWeights(llks, dbeta)
	if w == nil {
		return 0, nil, ErrConvergenceStall
	}
	return beta + dbeta, w, nil
}

// systematicResample draws len(w) ancestor indices with a single
// uniform offset, so expected offspring counts match the weights with
// minimal variance.
func systematicResample(w []float64, rng *rand.Rand) []int {
	n := len(w)
	idx := make([]int, n)
	u := rng.Float64()
	cum := w[0]
	j := 0
	for i := 0; i < n; i++ {
		pos := (float64(i) + u) / float64(n)
		for cum < pos && j < n-1 {
			j++
			cum += w[j]
		}
		idx[i] = j
	}
	return idx
}

// weightedCovariance estimates the population covariance under the
// importance weights.
func weightedCovariance(particles [][]float64, weights []float64) *mat.SymDense {
	n := len(particles)
	ndim := len(particles[0])
	x := mat.NewDense(n, ndim, nil)
	for i := range particles {
		x.SetRow(i, particles[i])
	}
	// CovarianceMatrix normalizes weights internally
	cov := mat.NewSymDense(ndim, nil)
	stat.CovarianceMatrix(cov, x, weights)
	for d := 0; d < ndim; d++ {
		if v := cov.At(d, d); v <= 0 || math.IsNaN(v) {
			cov.SetSym(d, d, 1e-12)
		}
	}
	return cov
}

func weightedMean(particles [][]float64, weights []float64) []float64 {
	ndim := len(particles[0])
	mean := make([]float64, ndim)
	for i, p := range particles {
		for d, v := range p {
			mean[d] += weights[i] * v
		}
	}
	return mean
}

// adaptProposal feeds the stage covariance into the kernel: the full
// matrix for the multivariate kind, the diagonal widths otherwise.
func adaptProposal(p Proposal, cov *mat.SymDense) error {
	switch k := p.(type) {
	case *mvnProposal:
		return k.SetCov(cov)
	case interface{ SetWidths([]float64) }:
		n := cov.SymmetricDim()
		w := make([]float64, n)
		for i := 0; i < n; i++ {
			w[i] = math.Sqrt(cov.At(i, i))
			if w[i] <= 0 {
				w[i] = 1e-6
			}
		}
		k.SetWidths(w)
	}
	return nil
}

func flattenSym(s *mat.SymDense) []float64 {
	n := s.SymmetricDim()
	out := make([]float64, 0, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out = append(out, s.At(i, j))
		}
	}
	return out
}
