// Package config defines the YAML run configuration: source model,
// priors, dataset groups, GF store locations and sampler settings.
package config

import (
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"github.com/op/go-logging"
	"gopkg.in/yaml.v3"

	"github.com/geodynlab/bise/gfstore"
	"github.com/geodynlab/bise/params"
	"github.com/geodynlab/bise/sampler"
)

// log is the global logging variable.
var log = logging.MustGetLogger("config")

// Config is the root of a project configuration file.
type Config struct {
	Name       string `yaml:"name"`
	Date       string `yaml:"date"`
	ProjectDir string `yaml:"project_dir"`

	Problem  ProblemConfig `yaml:"problem"`
	Geodetic *DataConfig   `yaml:"geodetic,omitempty"`
	Seismic  *DataConfig   `yaml:"seismic,omitempty"`

	Sampler      SamplerConfig `yaml:"sampler"`
	HyperSampler SamplerConfig `yaml:"hyper_sampler"`
}

// ProblemConfig fixes the source model and its priors.
type ProblemConfig struct {
	SourceType string `yaml:"source_type"`
	STF        string `yaml:"stf"`
	NSources   int    `yaml:"n_sources"`
	Decimation int    `yaml:"decimation,omitempty"`

	Priors map[string]*params.Parameter `yaml:"priors"`
	Hypers map[string]*params.Parameter `yaml:"hyperparameters"`
}

// DataConfig describes one dataset group (geodetic or seismic): where
// the observations and the Green's function stores live and how they
// are used.
type DataConfig struct {
	Datadir       string   `yaml:"datadir"`
	Names         []string `yaml:"names"`
	StorePath     string   `yaml:"gf_store"`
	NVariations   int      `yaml:"n_variations,omitempty"`
	ReferenceIdx  int      `yaml:"reference_idx,omitempty"`
	Interpolation string   `yaml:"interpolation"`
	CalcDataCov   bool     `yaml:"calc_data_cov,omitempty"`
	FitPlane      bool     `yaml:"fit_plane,omitempty"`
}

// SamplerConfig selects a sampling algorithm and its parameters.
type SamplerConfig struct {
	Name       string            `yaml:"name"`
	Parameters SamplerParameters `yaml:"parameters"`
}

// SamplerParameters is the union of the tuning knobs of both
// algorithms; each algorithm reads the fields it understands.
type SamplerParameters struct {
	NChains           int     `yaml:"n_chains,omitempty"`
	NSteps            int     `yaml:"n_steps,omitempty"`
	NStages           int     `yaml:"n_stages,omitempty"`
	NJobs             int     `yaml:"n_jobs,omitempty"`
	TuneInterval      int     `yaml:"tune_interval,omitempty"`
	CoefVariation     float64 `yaml:"coef_variation,omitempty"`
	Proposal          string  `yaml:"proposal_dist,omitempty"`
	CheckBnd          bool    `yaml:"check_bnd,omitempty"`
	UpdateCovariances bool    `yaml:"update_covariances,omitempty"`
	RmFlag            bool    `yaml:"rm_flag,omitempty"`
	Burn              float64 `yaml:"burn,omitempty"`
	Thin              int     `yaml:"thin,omitempty"`
	MaxStages         int     `yaml:"max_stages,omitempty"`
	Seed              uint64  `yaml:"random_seed,omitempty"`
}

// SMCConfig maps the generic parameters onto the SMC sampler.
func (p SamplerParameters) SMCConfig() sampler.SMCConfig {
	kind, _ := sampler.ProposalKindFromString(p.Proposal)
	return sampler.SMCConfig{
		NChains:           p.NChains,
		NSteps:            p.NSteps,
		NJobs:             p.NJobs,
		TuneInterval:      p.TuneInterval,
		CoefVariation:     p.CoefVariation,
		Proposal:          kind,
		CheckBounds:       p.CheckBnd,
		UpdateCovariances: p.UpdateCovariances,
		MaxStages:         p.MaxStages,
		Seed:              p.Seed,
	}
}

// MetropolisConfig maps the generic parameters onto the Metropolis
// sampler.
func (p SamplerParameters) MetropolisConfig() sampler.MetropolisConfig {
	kind, _ := sampler.ProposalKindFromString(p.Proposal)
	return sampler.MetropolisConfig{
		NChains:      p.NChains,
		NSteps:       p.NSteps,
		NStages:      p.NStages,
		NJobs:        p.NJobs,
		TuneInterval: p.TuneInterval,
		Burn:         p.Burn,
		Thin:         p.Thin,
		Proposal:     kind,
		Seed:         p.Seed,
	}
}

// New builds a default configuration for a source type and the given
// dataset types ("geodetic", "seismic" or both): catalogue priors for
// every source parameter and one noise hyperparameter per dataset
// type.
func New(name, sourceType string, datatypes []string, nSources int) (*Config, error) {
	st, err := gfstore.SourceTypeFromString(sourceType)
	if err != nil {
		return nil, err
	}
	if nSources < 1 {
		nSources = 1
	}
	c := &Config{
		Name:       name,
		Date:       time.Now().Format("2006-01-02"),
		ProjectDir: name,
		Problem: ProblemConfig{
			SourceType: sourceType,
			STF:        gfstore.TriangularSTF.String(),
			NSources:   nSources,
			Priors:     map[string]*params.Parameter{},
			Hypers:     map[string]*params.Parameter{},
		},
		Sampler: SamplerConfig{
			Name: "SMC",
			Parameters: SamplerParameters{
				NChains:       1000,
				NSteps:        100,
				NJobs:         4,
				TuneInterval:  10,
				CoefVariation: 1,
				Proposal:      sampler.MultivariateNormalKind.String(),
				CheckBnd:      true,
				MaxStages:     100,
			},
		},
		HyperSampler: SamplerConfig{
			Name: "Metropolis",
			Parameters: SamplerParameters{
				NChains:      20,
				NSteps:       25000,
				NStages:      10,
				NJobs:        4,
				TuneInterval: 50,
				Proposal:     sampler.NormalKind.String(),
				Burn:         0.5,
				Thin:         2,
			},
		},
	}

	vars := st.Vars()
	seismic := false
	for _, dt := range datatypes {
		switch dt {
		case "geodetic":
			c.Geodetic = &DataConfig{
				Datadir:       "geodetic",
				StorePath:     "gf_geodetic",
				Interpolation: gfstore.Multilinear.String(),
			}
			// one noise scaling per geodetic dataset type
			for _, h := range []string{"h_SAR", "h_GPS"} {
				c.Problem.Hypers[h] = params.HyperParameter(h)
			}
		case "seismic":
			seismic = true
			c.Seismic = &DataConfig{
				Datadir:       "seismic",
				StorePath:     "gf_seismic",
				Interpolation: gfstore.Multilinear.String(),
			}
			c.Problem.Hypers["h_waveform"] = params.HyperParameter("h_waveform")
		default:
			return nil, fmt.Errorf("unknown dataset type: %s", dt)
		}
	}
	if seismic {
		vars = append(vars, gfstore.TimeVars()...)
	}
	for _, v := range vars {
		p, err := params.DefaultParameter(v, nSources)
		if err != nil {
			return nil, err
		}
		c.Problem.Priors[v] = p
	}
	return c, nil
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c := &Config{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	return c, nil
}

// Save writes the configuration to a file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks enum names, prior completeness and parameter
// consistency. Unknown names are structural errors.
func (c *Config) Validate() error {
	st, err := gfstore.SourceTypeFromString(c.Problem.SourceType)
	if err != nil {
		return err
	}
	if c.Problem.STF != "" {
		if _, err := gfstore.STFTypeFromString(c.Problem.STF); err != nil {
			return err
		}
	}
	if c.Problem.NSources < 1 {
		return fmt.Errorf("n_sources must be at least 1")
	}
	if c.Geodetic == nil && c.Seismic == nil {
		return fmt.Errorf("no dataset groups configured")
	}

	vars := st.Vars()
	if c.Seismic != nil {
		vars = append(vars, gfstore.TimeVars()...)
	}
	for _, v := range vars {
		p, ok := c.Problem.Priors[v]
		if !ok {
			return fmt.Errorf("missing prior for parameter %s", v)
		}
		if p.Name == "" {
			p.Name = v
		}
		if err := p.Validate(); err != nil {
			return err
		}
	}
	if len(c.Problem.Hypers) == 0 {
		return fmt.Errorf("no hyperparameters configured")
	}
	for hname, h := range c.Problem.Hypers {
		if h.Name == "" {
			h.Name = hname
		}
		if err := h.Validate(); err != nil {
			return err
		}
	}

	for _, dc := range []*DataConfig{c.Geodetic, c.Seismic} {
		if dc == nil {
			continue
		}
		if dc.Interpolation != "" {
			if _, err := gfstore.InterpolationFromString(dc.Interpolation); err != nil {
				return err
			}
		}
	}

	for _, sc := range []*SamplerConfig{&c.Sampler, &c.HyperSampler} {
		switch sc.Name {
		case "SMC", "Metropolis":
		default:
			return fmt.Errorf("unknown sampler: %s", sc.Name)
		}
		if sc.Parameters.Proposal != "" {
			if _, err := sampler.ProposalKindFromString(sc.Parameters.Proposal); err != nil {
				return err
			}
		}
	}
	return nil
}

// Space assembles the source parameter space from the priors in
// canonical variable order.
func (c *Config) Space() (*params.Space, error) {
	st, err := gfstore.SourceTypeFromString(c.Problem.SourceType)
	if err != nil {
		return nil, err
	}
	vars := st.Vars()
	if c.Seismic != nil {
		vars = append(vars, gfstore.TimeVars()...)
	}
	var pars []*params.Parameter
	for _, v := range vars {
		p, ok := c.Problem.Priors[v]
		if !ok {
			return nil, fmt.Errorf("missing prior for parameter %s", v)
		}
		pars = append(pars, p)
	}
	return params.NewSpace(pars)
}

// HyperSpace assembles the hyperparameter space for the given hyper
// names, deduplicated and sorted. The names come from the loaded
// datasets so unused configured hypers are not sampled.
func (c *Config) HyperSpace(names []string) (*params.Space, error) {
	uniq := map[string]bool{}
	var sorted []string
	for _, n := range names {
		if !uniq[n] {
			uniq[n] = true
			sorted = append(sorted, n)
		}
	}
	sort.Strings(sorted)
	var pars []*params.Parameter
	for _, n := range sorted {
		h, ok := c.Problem.Hypers[n]
		if !ok {
			return nil, fmt.Errorf("missing hyperparameter %s", n)
		}
		pars = append(pars, h)
	}
	return params.NewSpace(pars)
}

// SourceSpec builds the forward-modeling spec from the problem
// configuration. The interpolation is taken from the first configured
// dataset group.
func (c *Config) SourceSpec() (gfstore.SourceType, gfstore.STFType, error) {
	st, err := gfstore.SourceTypeFromString(c.Problem.SourceType)
	if err != nil {
		return 0, 0, err
	}
	stf := gfstore.TriangularSTF
	if c.Problem.STF != "" {
		stf, err = gfstore.STFTypeFromString(c.Problem.STF)
		if err != nil {
			return 0, 0, err
		}
	}
	return st, stf, nil
}

// UpdateHyperBounds tightens a hyperparameter prior around an observed
// posterior range: floor(min)-2 to ceil(max)+2, test value mid-range.
func (c *Config) UpdateHyperBounds(name string, min, max float64) error {
	h, ok := c.Problem.Hypers[name]
	if !ok {
		return fmt.Errorf("unknown hyperparameter %s", name)
	}
	lower := math.Floor(min) - 2
	upper := math.Ceil(max) + 2
	for i := range h.Lower {
		h.Lower[i] = lower
		h.Upper[i] = upper
		h.TestValue[i] = (lower + upper) / 2
	}
	log.Infof("hyperparameter %s bounds updated to [%g, %g]", name, lower, upper)
	return nil
}
