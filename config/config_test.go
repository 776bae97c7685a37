package config

import (
	"path/filepath"
	"testing"

	"github.com/op/go-logging"

	"github.com/geodynlab/bise/sampler"
)

func init() {
	logging.SetLevel(logging.ERROR, "config")
}

func TestNewValidates(tst *testing.T) {
	c, err := New("test", "ExplosionSource", []string{"geodetic"}, 1)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if err := c.Validate(); err != nil {
		tst.Error("Error: ", err)
	}
	for _, v := range []string{"east_shift", "north_shift", "depth", "volume_change"} {
		if _, ok := c.Problem.Priors[v]; !ok {
			tst.Error("Missing prior for", v)
		}
	}
	if _, ok := c.Problem.Priors["time"]; ok {
		tst.Error("Unexpected time prior without seismic data")
	}
	if _, ok := c.Problem.Hypers["h_SAR"]; !ok {
		tst.Error("Missing hyperparameter h_SAR")
	}

	if _, err := New("test", "StarSource", []string{"geodetic"}, 1); err == nil {
		tst.Error("Expected error for unknown source type")
	}
	if _, err := New("test", "DCSource", []string{"gravimetric"}, 1); err == nil {
		tst.Error("Expected error for unknown dataset type")
	}
}

func TestSeismicAddsTimeVars(tst *testing.T) {
	c, err := New("test", "DCSource", []string{"seismic"}, 1)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	for _, v := range []string{"time", "duration"} {
		if _, ok := c.Problem.Priors[v]; !ok {
			tst.Error("Missing prior for", v)
		}
	}
	if _, ok := c.Problem.Hypers["h_waveform"]; !ok {
		tst.Error("Missing hyperparameter h_waveform")
	}
}

func TestSaveLoadRoundTrip(tst *testing.T) {
	c, err := New("test", "RectangularSource", []string{"geodetic", "seismic"}, 2)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	c.Geodetic.Names = []string{"sar_asc"}
	c.Seismic.Names = []string{"stations"}
	path := filepath.Join(tst.TempDir(), "config.yaml")
	if err := c.Save(path); err != nil {
		tst.Fatal("Error: ", err)
	}
	got, err := Load(path)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if got.Name != c.Name || got.Problem.SourceType != c.Problem.SourceType {
		tst.Error("Round trip changed the configuration")
	}
	if got.Problem.NSources != 2 {
		tst.Error("Expected 2 sources, got", got.Problem.NSources)
	}
	p := got.Problem.Priors["slip"]
	if p == nil || p.NDim() != 2 {
		tst.Fatal("Expected a 2-dimensional slip prior")
	}
	if p.Lower[0] != c.Problem.Priors["slip"].Lower[0] {
		tst.Error("Prior bounds changed in round trip")
	}
}

func TestSpaces(tst *testing.T) {
	c, err := New("test", "ExplosionSource", []string{"geodetic"}, 1)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	space, err := c.Space()
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if space.NDim() != 4 {
		tst.Error("Expected 4 dimensions, got", space.NDim())
	}
	names := space.Names()
	if names[0] != "east_shift" || names[3] != "volume_change" {
		tst.Error("Unexpected parameter order:", names)
	}

	hs, err := c.HyperSpace([]string{"h_SAR", "h_GPS", "h_SAR"})
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if hs.NDim() != 2 {
		tst.Error("Expected 2 hyper dimensions, got", hs.NDim())
	}
	if hs.Names()[0] != "h_GPS" {
		tst.Error("Expected sorted hyper names, got", hs.Names())
	}

	if _, err := c.HyperSpace([]string{"h_tilt"}); err == nil {
		tst.Error("Expected error for unconfigured hyperparameter")
	}
}

func TestSamplerMapping(tst *testing.T) {
	c, err := New("test", "ExplosionSource", []string{"geodetic"}, 1)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	smc := c.Sampler.Parameters.SMCConfig()
	if smc.NChains != 1000 || !smc.CheckBounds {
		tst.Error("Unexpected SMC defaults:", smc)
	}
	if smc.Proposal != sampler.MultivariateNormalKind {
		tst.Error("Expected multivariate proposal, got", smc.Proposal)
	}
	mh := c.HyperSampler.Parameters.MetropolisConfig()
	if mh.NChains != 20 || mh.Burn != 0.5 || mh.Thin != 2 {
		tst.Error("Unexpected Metropolis defaults:", mh)
	}

	c.Sampler.Name = "NUTS"
	if err := c.Validate(); err == nil {
		tst.Error("Expected error for unknown sampler")
	}
}

func TestUpdateHyperBounds(tst *testing.T) {
	c, err := New("test", "ExplosionSource", []string{"geodetic"}, 1)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if err := c.UpdateHyperBounds("h_SAR", -3.2, 1.7); err != nil {
		tst.Fatal("Error: ", err)
	}
	h := c.Problem.Hypers["h_SAR"]
	if h.Lower[0] != -6 || h.Upper[0] != 4 {
		tst.Error("Unexpected bounds:", h.Lower[0], h.Upper[0])
	}
	if h.TestValue[0] != -1 {
		tst.Error("Unexpected test value:", h.TestValue[0])
	}
	if err := c.UpdateHyperBounds("h_tilt", 0, 1); err == nil {
		tst.Error("Expected error for unknown hyperparameter")
	}
}
