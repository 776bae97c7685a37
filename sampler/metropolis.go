package sampler

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"

	"github.com/geodynlab/bise/checkpoint"
)

// hyperKind is the checkpoint namespace of the hyperparameter sampler.
const hyperKind = "hyper"

// MetropolisConfig collects the tuning knobs of the Metropolis
// sampler.
type MetropolisConfig struct {
	// NChains is the number of independent chains per stage.
	NChains int
	// NSteps is the number of steps per chain.
	NSteps int
	// NStages is the number of independent sampling stages.
	NStages int
	// NJobs bounds the number of concurrently running chains.
	NJobs int
	// TuneInterval is the number of steps between proposal scale
	// adjustments.
	TuneInterval int
	// Burn is the fraction of each chain discarded as warm-up.
	Burn float64
	// Thin keeps every Thin-th post-burn sample.
	Thin int
	// Proposal selects the transition kernel.
	Proposal ProposalKind
	// Seed seeds all random draws.
	Seed uint64
}

// Metropolis samples a target with plain parallel Metropolis chains,
// restarted over several stages from fresh prior draws. It is the
// sampler of choice for the low-dimensional hyperparameter posterior.
type Metropolis struct {
	target Target
	cfg    MetropolisConfig

	// Checkpoint, when set, persists every completed stage for
	// resume; Retain controls how many stages are kept.
	Checkpoint *checkpoint.IO
	Retain     checkpoint.Retention
}

// NewMetropolis creates a sampler with defaults filled in for unset
// configuration values.
func NewMetropolis(target Target, cfg MetropolisConfig) *Metropolis {
	if cfg.NChains < 1 {
		cfg.NChains = 20
	}
	if cfg.NSteps < 1 {
		cfg.NSteps = 25000
	}
	if cfg.NStages < 1 {
		cfg.NStages = 10
	}
	if cfg.NJobs < 1 {
		cfg.NJobs = 1
	}
	if cfg.TuneInterval < 1 {
		cfg.TuneInterval = 50
	}
	if cfg.Burn < 0 || cfg.Burn >= 1 {
		cfg.Burn = 0.5
	}
	if cfg.Thin < 1 {
		cfg.Thin = 2
	}
	return &Metropolis{target: target, cfg: cfg}
}

// Run samples NStages stages of NChains chains each and returns the
// burned and thinned samples of all stages merged in stage order.
func (m *Metropolis) Run(ctx context.Context) (*Trace, error) {
	space := m.target.Space()
	ndim := space.NDim()
	full := NewTrace(space.Names())

	done := -1
	if m.Checkpoint != nil {
		hi, err := m.Checkpoint.HighestStage(hyperKind)
		if err != nil {
			return nil, err
		}
		done = hi
	}

	for st := 0; st < m.cfg.NStages; st++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if st <= done {
			meta, chains, err := m.Checkpoint.LoadStage(hyperKind, st)
			if err != nil {
				return nil, err
			}
			if meta != nil {
				if meta.NDim != ndim {
					return nil, fmt.Errorf("checkpoint has %d parameters, target has %d",
						meta.NDim, ndim)
				}
				for _, c := range chains {
					full.Append(c.X, c.LogLik, c.Weight)
				}
				log.Noticef("stage %d restored from checkpoint: %d samples", st, len(chains))
				continue
			}
			// dropped by retention; chain seeds are deterministic,
			// so resampling reproduces the stage exactly
			log.Noticef("stage %d dropped from checkpoint, resampling", st)
		}

		stageTrace := m.sampleStage(st)
		log.Noticef("stage %d complete: %d samples kept", st, stageTrace.Len())
		for i := range stageTrace.X {
			full.Append(stageTrace.X[i], stageTrace.LogLik[i], stageTrace.Weight[i])
		}

		if m.Checkpoint != nil {
			meta := &checkpoint.StageMeta{
				Beta:  1,
				NDim:  ndim,
				Final: st == m.cfg.NStages-1,
			}
			chains := make([]checkpoint.ChainState, stageTrace.Len())
			for i := range stageTrace.X {
				chains[i] = checkpoint.ChainState{
					X:      stageTrace.X[i],
					LogLik: stageTrace.LogLik[i],
					Weight: stageTrace.Weight[i],
				}
			}
			if err := m.Checkpoint.SaveStage(hyperKind, st, meta, chains); err != nil {
				return nil, err
			}
			if m.Retain == checkpoint.RetainLast && st > 0 {
				if err := m.Checkpoint.DropStage(hyperKind, st-1); err != nil {
					return nil, err
				}
			}
		}
	}
	return full, nil
}

// sampleStage runs the chains of one stage over the worker pool and
// returns their burned and thinned samples merged in chain order. The
// very first chain starts from the test point, every other chain from
// a fresh prior draw.
func (m *Metropolis) sampleStage(stage int) *Trace {
	space := m.target.Space()
	traces := make([]*Trace, m.cfg.NChains)

	tasks := make(chan int, m.cfg.NChains)
	var wg sync.WaitGroup
	for w := 0; w < m.cfg.NJobs; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range tasks {
				traces[c] = m.runChain(stage, c)
			}
		}()
	}
	for c := 0; c < m.cfg.NChains; c++ {
		tasks <- c
	}
	close(tasks)
	wg.Wait()

	out := NewTrace(space.Names())
	for _, tr := range traces {
		for i := range tr.X {
			out.Append(tr.X[i], tr.LogLik[i], tr.Weight[i])
		}
	}
	return out
}

func (m *Metropolis) runChain(stage, chain int) *Trace {
	space := m.target.Space()
	rng := rand.New(rand.NewSource(chainSeed(m.cfg.Seed, stage, chain)))
	widths := priorWidths(space.Lower(), space.Upper())
	prop := newProposal(m.cfg.Proposal, widths)
	if mvn, ok := prop.(*mvnProposal); ok {
		// no population covariance here; start from independent
		// prior-width components
		cov := mat.NewSymDense(len(widths), nil)
		for i, w := range widths {
			cov.SetSym(i, i, w*w)
		}
		mvn.SetCov(cov)
	}

	var x []float64
	if stage == 0 && chain == 0 {
		x = space.Test()
	} else {
		x = space.DrawPrior(rng)
	}
	llk := m.target.LogLikelihood(x)
	lp := space.LogPrior(x)
	scale := 1.0
	propX := make([]float64, len(x))

	tr := NewTrace(space.Names())
	accepted, since := 0, 0
	for step := 0; step < m.cfg.NSteps; step++ {
		prop.Propose(propX, x, scale, rng)
		since++
		if accept(space, m.target, x, propX, &llk, &lp, 1, rng, true) {
			accepted++
		}
		tr.Append(x, llk, 1)
		if since >= m.cfg.TuneInterval {
			scale = tuneScale(scale, float64(accepted)/float64(since))
			accepted, since = 0, 0
		}
	}
	return tr.BurnThin(m.cfg.Burn, m.cfg.Thin)
}
