package main

import (
	"fmt"
	"path/filepath"

	"github.com/geodynlab/bise/config"
	"github.com/geodynlab/bise/gfstore"
	"github.com/geodynlab/bise/problem"
)

// buildProblem assembles the estimation problem from a validated
// configuration: datasets loaded and attached to their GF store
// ensembles, the parameter spaces and the forward-modeling spec.
func buildProblem(c *config.Config) (*problem.Problem, error) {
	var datasets []*problem.Dataset
	var hyperNames []string
	calcCov := false
	var interp gfstore.Interpolation
	first := true

	for _, dc := range []*config.DataConfig{c.Geodetic, c.Seismic} {
		if dc == nil {
			continue
		}
		if len(dc.Names) == 0 {
			return nil, fmt.Errorf("dataset group %s: no dataset names configured", dc.Datadir)
		}
		gi, err := gfstore.InterpolationFromString(dc.Interpolation)
		if err != nil {
			return nil, err
		}
		ens, err := gfstore.OpenEnsemble(
			filepath.Join(c.ProjectDir, dc.StorePath), dc.NVariations, dc.ReferenceIdx)
		if err != nil {
			return nil, err
		}
		ds, err := problem.LoadDatasets(filepath.Join(c.ProjectDir, dc.Datadir), dc.Names)
		if err != nil {
			return nil, err
		}
		for _, d := range ds {
			if dc.FitPlane {
				d.FitPlane = true
			}
			d.Attach(ens, gi)
			hyperNames = append(hyperNames, d.HyperName())
			datasets = append(datasets, d)
		}
		if dc.CalcDataCov {
			calcCov = true
		}
		if first {
			interp = gi
			first = false
		}
	}
	if len(datasets) == 0 {
		return nil, fmt.Errorf("no datasets configured")
	}

	space, err := c.Space()
	if err != nil {
		return nil, err
	}
	hyperSpace, err := c.HyperSpace(hyperNames)
	if err != nil {
		return nil, err
	}
	st, stf, err := c.SourceSpec()
	if err != nil {
		return nil, err
	}
	spec := problem.SourceSpec{
		Type:          st,
		STF:           stf,
		NSources:      c.Problem.NSources,
		Decimation:    c.Problem.Decimation,
		Interpolation: interp,
	}
	return problem.New(space, hyperSpace, spec, datasets, calcCov)
}
