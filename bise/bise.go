/*

Bise estimates earthquake source parameters from geodetic and seismic
data with Bayesian sampling over precomputed Green's function stores.

A project starts from a generated configuration:

	bise init myquake --source ExplosionSource --datatypes geodetic

, after editing the configuration and placing the datasets and GF
stores under the project directory, the source posterior is sampled
with:

	bise sample myquake/config.yaml

Noise hyperparameters are calibrated separately:

	bise hypers --update myquake/config.yaml

To see all the options run:

	bise -h

*/
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"time"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/op/go-logging"

	"github.com/geodynlab/bise/checkpoint"
	"github.com/geodynlab/bise/config"
	"github.com/geodynlab/bise/sampler"
)

// These three variables are set during the compilation.
var githash = ""
var gitbranch = ""
var buildstamp = ""
var version = fmt.Sprintf("branch: %s, revision: %s, build time: %s", gitbranch, githash, buildstamp)

// Logger settings.
var log = logging.MustGetLogger("bise")
var formatter = logging.MustStringFormatter(`%{message}`)

// logged packages for level setting
var packages = []string{"bise", "config", "params", "gfstore", "problem", "sampler", "checkpoint"}

// Command-line flags and commands.
var (
	app = kingpin.New("bise", "Bayesian earthquake source estimation").Version(version)

	nThreads   = app.Flag("nt", "number of threads to use").Int()
	seed       = app.Flag("seed", "random generator seed, default time based").Default("0").Uint64()
	cpuProfile = app.Flag("cpuprofile", "write cpu profile to file").String()
	outLogF    = app.Flag("log", "write log to a file").String()
	logLevel   = app.Flag("loglevel", "set loglevel "+
		"(critical, error, warning, notice, info, debug)").
		Default("notice").Enum("critical", "error", "warning", "notice", "info", "debug")
	jsonF = app.Flag("json", "write json summary to a file").String()

	initCmd      = app.Command("init", "create a project with a default configuration")
	initName     = initCmd.Arg("name", "project name").Required().String()
	initSource   = initCmd.Flag("source", "source model type (ExplosionSource, DCSource, RectangularSource)").Default("RectangularSource").String()
	initData     = initCmd.Flag("datatypes", "dataset types to configure (geodetic, seismic)").Default("geodetic").Strings()
	initNSources = initCmd.Flag("nsources", "number of simultaneous sources").Default("1").Int()

	sampleCmd    = app.Command("sample", "sample the source parameter posterior")
	sampleConfig = sampleCmd.Arg("config", "project configuration file").Required().ExistingFile()

	hypersCmd    = app.Command("hypers", "calibrate noise hyperparameters")
	hypersConfig = hypersCmd.Arg("config", "project configuration file").Required().ExistingFile()
	hypersUpdate = hypersCmd.Flag("update", "write updated hyperparameter bounds back to the configuration").Bool()

	summarizeCmd    = app.Command("summarize", "summarize a finished run from its checkpoint")
	summarizeConfig = summarizeCmd.Arg("config", "project configuration file").Required().ExistingFile()
)

func runInit() error {
	c, err := config.New(*initName, *initSource, *initData, *initNSources)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(*initName, 0755); err != nil {
		return err
	}
	path := filepath.Join(*initName, "config.yaml")
	if err := c.Save(path); err != nil {
		return err
	}
	log.Noticef("Project configuration written to %s", path)
	return nil
}

func runSample(ctx context.Context, summary *RunSummary) error {
	c, err := config.Load(*sampleConfig)
	if err != nil {
		return err
	}
	p, err := buildProblem(c)
	if err != nil {
		return err
	}

	ckp, err := checkpoint.Open(filepath.Join(c.ProjectDir, "sampler.db"))
	if err != nil {
		return err
	}
	defer ckp.Close()
	retain := checkpoint.RetentionFromFlag(c.Sampler.Parameters.RmFlag)

	pars := c.Sampler.Parameters
	if *seed != 0 {
		pars.Seed = *seed
	}

	var smp sampler.PosteriorSampler
	switch c.Sampler.Name {
	case "SMC":
		log.Notice("Using SMC sampler")
		s := sampler.NewSMC(p, pars.SMCConfig())
		s.Checkpoint = ckp
		s.Retain = retain
		if pars.UpdateCovariances {
			s.Updater = p
		}
		smp = s
	case "Metropolis":
		log.Notice("Using Metropolis sampler")
		m := sampler.NewMetropolis(p, pars.MetropolisConfig())
		m.Checkpoint = ckp
		m.Retain = retain
		smp = m
	default:
		return fmt.Errorf("unknown sampler: %s", c.Sampler.Name)
	}

	trace, err := smp.Run(ctx)
	if err == sampler.ErrConvergenceStall {
		log.Warning("Sampler stalled; summarizing the last population")
	} else if err != nil {
		return err
	}
	summary.Sampler = c.Sampler.Name
	summarizeTrace(trace, summary)
	return nil
}

func runHypers(ctx context.Context, summary *RunSummary) error {
	c, err := config.Load(*hypersConfig)
	if err != nil {
		return err
	}
	p, err := buildProblem(c)
	if err != nil {
		return err
	}
	if err := p.UpdateBaseResiduals(p.Space().Test()); err != nil {
		return err
	}
	target, err := p.HyperTarget()
	if err != nil {
		return err
	}

	ckp, err := checkpoint.Open(filepath.Join(c.ProjectDir, "sampler.db"))
	if err != nil {
		return err
	}
	defer ckp.Close()

	pars := c.HyperSampler.Parameters
	if *seed != 0 {
		pars.Seed = *seed
	}
	m := sampler.NewMetropolis(target, pars.MetropolisConfig())
	m.Checkpoint = ckp
	m.Retain = checkpoint.RetentionFromFlag(pars.RmFlag)

	trace, err := m.Run(ctx)
	if err != nil {
		return err
	}
	summary.Sampler = c.HyperSampler.Name
	summarizeTrace(trace, summary)

	if *hypersUpdate {
		for d, name := range trace.Names {
			min, max := traceRange(trace, d)
			if err := c.UpdateHyperBounds(name, min, max); err != nil {
				return err
			}
		}
		if err := c.Save(*hypersConfig); err != nil {
			return err
		}
		log.Noticef("Updated hyperparameter bounds written to %s", *hypersConfig)
	}
	return nil
}

func runSummarize(summary *RunSummary) error {
	c, err := config.Load(*summarizeConfig)
	if err != nil {
		return err
	}
	space, err := c.Space()
	if err != nil {
		return err
	}
	ckp, err := checkpoint.Open(filepath.Join(c.ProjectDir, "sampler.db"))
	if err != nil {
		return err
	}
	defer ckp.Close()

	trace, beta, err := loadTrace(ckp, space.Names())
	if err != nil {
		return err
	}
	if beta < 1 {
		log.Warningf("Run incomplete: last stage at beta=%g", beta)
	}
	summarizeTrace(trace, summary)
	return nil
}

// loadTrace rebuilds a trace from the highest complete SMC stage.
func loadTrace(ckp *checkpoint.IO, names []string) (*sampler.Trace, float64, error) {
	hi, err := ckp.HighestStage("smc")
	if err != nil {
		return nil, 0, err
	}
	if hi < 0 {
		return nil, 0, fmt.Errorf("no sampler stages found")
	}
	meta, chains, err := ckp.LoadStage("smc", hi)
	if err != nil {
		return nil, 0, err
	}
	trace := sampler.NewTrace(names)
	for _, ch := range chains {
		trace.Append(ch.X, ch.LogLik, ch.Weight)
	}
	return trace, meta.Beta, nil
}

func summarizeTrace(trace *sampler.Trace, summary *RunSummary) {
	mean, std := trace.MeanStd()
	summary.NSamples = trace.Len()
	for d, name := range trace.Names {
		summary.Parameters = append(summary.Parameters,
			ParameterSummary{Name: name, Mean: mean[d], Std: std[d]})
		log.Noticef("%s: %g +- %g", name, mean[d], std[d])
	}
	x, llk := trace.MaxLik()
	summary.MaxLnL = llk
	if x != nil {
		summary.MaxLParameters = map[string]float64{}
		for d, name := range trace.Names {
			summary.MaxLParameters[name] = x[d]
		}
	}
	log.Noticef("Maximum lnL=%g", llk)
}

func traceRange(t *sampler.Trace, dim int) (min, max float64) {
	min, max = t.X[0][dim], t.X[0][dim]
	for _, x := range t.X {
		if x[dim] < min {
			min = x[dim]
		}
		if x[dim] > max {
			max = x[dim]
		}
	}
	return min, max
}

func main() {
	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	// logging
	logging.SetFormatter(formatter)

	var backend *logging.LogBackend
	if *outLogF != "" {
		f, err := os.OpenFile(*outLogF, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Fatal("Error creating log file:", err)
		}
		defer f.Close()
		backend = logging.NewLogBackend(f, "", 0)
	} else {
		backend = logging.NewLogBackend(os.Stderr, "", 0)
	}
	logging.SetBackend(backend)

	level, err := logging.LogLevel(*logLevel)
	if err != nil {
		log.Fatal(err)
	}
	for _, pkg := range packages {
		logging.SetLevel(level, pkg)
	}

	// print revision
	log.Info(version)

	// print commandline
	log.Info("Command line:", os.Args)

	if *seed == 0 {
		*seed = uint64(time.Now().UnixNano())
		log.Debug("Random seed from time")
	}
	log.Infof("Random seed=%v", *seed)

	runtime.GOMAXPROCS(*nThreads)
	effectiveNThreads := runtime.GOMAXPROCS(0)
	log.Infof("Using threads: %d.", effectiveNThreads)

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	summary := &RunSummary{
		Version:     version,
		CommandLine: os.Args,
		Seed:        *seed,
		NThreads:    effectiveNThreads,
	}
	startTime := time.Now()

	switch cmd {
	case initCmd.FullCommand():
		err = runInit()
	case sampleCmd.FullCommand():
		err = runSample(ctx, summary)
	case hypersCmd.FullCommand():
		err = runHypers(ctx, summary)
	case summarizeCmd.FullCommand():
		err = runSummarize(summary)
	}
	if err != nil {
		log.Fatal(err)
	}

	deltaT := time.Since(startTime)
	log.Noticef("Running time: %v", deltaT)
	summary.Time = deltaT.Seconds()

	// output summary in json format
	if *jsonF != "" && cmd != initCmd.FullCommand() {
		j, err := json.Marshal(summary)
		if err != nil {
			log.Error(err)
		} else {
			log.Debug(string(j))
			f, err := os.Create(*jsonF)
			if err != nil {
				log.Error("Error creating json output file:", err)
			} else {
				f.Write(j)
				f.Close()
			}
		}
	}
}
