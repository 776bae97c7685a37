package sampler

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/geodynlab/bise/gfstore"
	"github.com/geodynlab/bise/params"
	"github.com/geodynlab/bise/problem"
)

// explosionProblem builds a four-parameter explosion-source problem
// over a synthetic static store; the observations are exact
// synthetics of the true source.
func explosionProblem(tst testing.TB) (*problem.Problem, []float64) {
	meta := gfstore.Meta{
		DepthMin: 0, DepthMax: 4, DepthSpacing: 2,
		DistanceMin: 0, DistanceMax: 40, DistanceSpacing: 10,
		Components: []string{gfstore.CompISO},
		NSamples:   1,
	}
	nd, nr := meta.NDepths(), meta.NDistances()
	data := make([]float64, 0, nd*nr)
	for id := 0; id < nd; id++ {
		for ir := 0; ir < nr; ir++ {
			depth := float64(id) * meta.DepthSpacing
			dist := float64(ir) * meta.DistanceSpacing
			// decaying response, linear on the grid
			data = append(data, 1000-100*depth-10*dist)
		}
	}
	dir := filepath.Join(tst.TempDir(), "store")
	if err := gfstore.Create(dir, meta, data); err != nil {
		tst.Fatal("Error: ", err)
	}
	e, err := gfstore.OpenEnsemble(dir, 0, 0)
	if err != nil {
		tst.Fatal("Error: ", err)
	}

	space, err := params.NewSpace([]*params.Parameter{
		params.NewParameter("east_shift", -5, 5),
		params.NewParameter("north_shift", -5, 5),
		params.NewParameter("depth", 0, 4),
		params.NewParameter("volume_change", 1e-9, 4e-9),
	})
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	hyperSpace, err := params.NewSpace([]*params.Parameter{
		params.HyperParameter("h_SAR"),
	})
	if err != nil {
		tst.Fatal("Error: ", err)
	}

	trueX := []float64{1, -1, 2, 2e-9}
	src := &gfstore.ExplosionSource{East: 1, North: -1, Depth: 2, VolumeChange: 2e-9}
	targets := []gfstore.Target{
		{Name: "a", East: 5, North: 5},
		{Name: "b", East: -8, North: 3},
		{Name: "c", East: 0, North: -12},
		{Name: "d", East: 15, North: 0},
		{Name: "e", East: -4, North: -14},
		{Name: "f", East: 10, North: 10},
	}
	obs, err := gfstore.Synthesize(e.Reference(), []gfstore.Source{src}, targets,
		gfstore.Multilinear, gfstore.TriangularSTF, nil)
	if err != nil {
		tst.Fatal("Error: ", err)
	}

	ds := &problem.Dataset{
		Name: "sar", Type: "SAR",
		Targets:  targets,
		Observed: obs,
		NSamples: 1,
		Std:      100,
	}
	ds.Attach(e, gfstore.Multilinear)
	spec := problem.SourceSpec{
		Type:          gfstore.ExplosionType,
		STF:           gfstore.TriangularSTF,
		NSources:      1,
		Interpolation: gfstore.Multilinear,
	}
	p, err := problem.New(space, hyperSpace, spec, []*problem.Dataset{ds}, false)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	return p, trueX
}

func TestExplosionSourceRecovery(tst *testing.T) {
	if testing.Short() {
		tst.Skip("skipping end-to-end sampling in short mode")
	}
	p, trueX := explosionProblem(tst)
	s := NewSMC(p, SMCConfig{
		NChains:       1000,
		NSteps:        25,
		NJobs:         4,
		TuneInterval:  10,
		CoefVariation: 1,
		Proposal:      MultivariateNormalKind,
		CheckBounds:   true,
		MaxStages:     50,
		Seed:          13,
	})
	trace, err := s.Run(context.Background())
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	stages := len(s.Betas)
	tst.Log("stages=", stages, ", schedule=", s.Betas)
	if stages > 50 {
		tst.Error("Expected convergence within 50 stages, took", stages)
	}
	if s.Betas[stages-1] != 1 {
		tst.Error("Expected terminal beta 1")
	}

	mean, std := trace.MeanStd()
	tst.Log("mean=", mean, ", std=", std)
	if math.Abs(mean[0]-trueX[0]) > 2 || math.Abs(mean[1]-trueX[1]) > 2 {
		tst.Error("Position off target:", mean[:2])
	}
	if math.Abs(mean[2]-trueX[2]) > 1.5 {
		tst.Error("Depth off target:", mean[2])
	}

	// the best sample reproduces the observations closely
	x, llk := trace.MaxLik()
	tst.Log("max lnL=", llk, "at", x)
	refL := p.LogLikelihood(trueX)
	if llk < refL-20 {
		tst.Error("Best sample far from the truth:", llk, "vs", refL)
	}
}
