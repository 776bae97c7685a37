package checkpoint

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/op/go-logging"
	bolt "go.etcd.io/bbolt"
)

func init() {
	logging.SetLevel(logging.ERROR, "checkpoint")
}

func openTestIO(tst *testing.T) *IO {
	s, err := Open(filepath.Join(tst.TempDir(), "sampler.db"))
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	tst.Cleanup(func() { s.Close() })
	return s
}

func testStage() (*StageMeta, []ChainState) {
	meta := &StageMeta{
		Beta:   0.25,
		NDim:   2,
		Scales: []float64{1, 0.5, 2},
		Cov:    []float64{1, 0.1, 0.1, 2},
	}
	chains := []ChainState{
		{X: []float64{0.1, -0.2}, LogLik: -12.5, Weight: 1.0 / 3},
		{X: []float64{1.5, 2.25}, LogLik: -8.125, Weight: 1.0 / 3},
		{X: []float64{-3, 0.0625}, LogLik: -20, Weight: 1.0 / 3},
	}
	return meta, chains
}

func TestStageRoundTrip(tst *testing.T) {
	s := openTestIO(tst)
	meta, chains := testStage()
	if err := s.SaveStage("smc", 0, meta, chains); err != nil {
		tst.Fatal("Error: ", err)
	}
	got, gotChains, err := s.LoadStage("smc", 0)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if got.Beta != meta.Beta || got.NChains != 3 || got.NDim != 2 || got.Final {
		tst.Error("Meta mismatch:", got)
	}
	for i := range meta.Scales {
		if got.Scales[i] != meta.Scales[i] {
			tst.Error("Scale mismatch at", i)
		}
	}
	if len(gotChains) != len(chains) {
		tst.Fatal("Expected", len(chains), "chains, got", len(gotChains))
	}
	for i := range chains {
		if gotChains[i].LogLik != chains[i].LogLik ||
			gotChains[i].Weight != chains[i].Weight {
			tst.Error("Chain", i, "scalar mismatch")
		}
		for d := range chains[i].X {
			if gotChains[i].X[d] != chains[i].X[d] {
				tst.Error("Chain", i, "value mismatch at", d)
			}
		}
	}
}

func TestStageReplace(tst *testing.T) {
	s := openTestIO(tst)
	meta, chains := testStage()
	if err := s.SaveStage("smc", 0, meta, chains); err != nil {
		tst.Fatal("Error: ", err)
	}
	// rewrite the same stage with fewer chains
	if err := s.SaveStage("smc", 0, meta, chains[:1]); err != nil {
		tst.Fatal("Error: ", err)
	}
	got, gotChains, err := s.LoadStage("smc", 0)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if got.NChains != 1 || len(gotChains) != 1 {
		tst.Error("Expected a single chain after rewrite, got", len(gotChains))
	}
}

func TestMissingStage(tst *testing.T) {
	s := openTestIO(tst)
	meta, chains, err := s.LoadStage("smc", 3)
	if meta != nil || chains != nil || err != nil {
		tst.Error("Expected (nil, nil, nil) for a missing stage, got", meta, chains, err)
	}
	hi, err := s.HighestStage("smc")
	if err != nil || hi != -1 {
		tst.Error("Expected -1 for an empty database, got", hi, err)
	}
}

func TestHighestStageAndKinds(tst *testing.T) {
	s := openTestIO(tst)
	meta, chains := testStage()
	for _, num := range []int{0, 1, 4} {
		if err := s.SaveStage("smc", num, meta, chains); err != nil {
			tst.Fatal("Error: ", err)
		}
	}
	if err := s.SaveStage("hyper", 7, meta, chains); err != nil {
		tst.Fatal("Error: ", err)
	}
	hi, err := s.HighestStage("smc")
	if err != nil || hi != 4 {
		tst.Error("Expected highest smc stage 4, got", hi, err)
	}
	hi, err = s.HighestStage("hyper")
	if err != nil || hi != 7 {
		tst.Error("Expected highest hyper stage 7, got", hi, err)
	}
}

func TestDropStage(tst *testing.T) {
	s := openTestIO(tst)
	meta, chains := testStage()
	if err := s.SaveStage("smc", 0, meta, chains); err != nil {
		tst.Fatal("Error: ", err)
	}
	if err := s.SaveStage("smc", 1, meta, chains); err != nil {
		tst.Fatal("Error: ", err)
	}
	if err := s.DropStage("smc", 0); err != nil {
		tst.Fatal("Error: ", err)
	}
	m, _, err := s.LoadStage("smc", 0)
	if m != nil || err != nil {
		tst.Error("Expected stage 0 gone, got", m, err)
	}
	hi, err := s.HighestStage("smc")
	if err != nil || hi != 1 {
		tst.Error("Expected highest stage 1, got", hi, err)
	}
	// dropping a missing stage is not an error
	if err := s.DropStage("smc", 5); err != nil {
		tst.Error("Error: ", err)
	}
}

func TestCorruptStage(tst *testing.T) {
	s := openTestIO(tst)
	// a stage bucket without a meta record is incomplete
	err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucket(stageBucket("smc", 2))
		return err
	})
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if _, err := s.HighestStage("smc"); err == nil {
		tst.Error("Expected corruption error for a stage without meta")
	}
	if _, _, err := s.LoadStage("smc", 2); err == nil {
		tst.Error("Expected corruption error for a stage without meta")
	}

	// a chain with wrong dimensionality is corrupt
	meta, chains := testStage()
	chains[1].X = []float64{1}
	if err := s.SaveStage("smc", 3, meta, chains); err != nil {
		tst.Fatal("Error: ", err)
	}
	if _, _, err := s.LoadStage("smc", 3); err == nil {
		tst.Error("Expected corruption error for dimension mismatch")
	}
}

func TestNonFiniteLogLik(tst *testing.T) {
	s := openTestIO(tst)
	// a chain stuck in a zero-likelihood region carries -Inf; the
	// stage must still round trip
	meta := &StageMeta{Beta: 0.5, NDim: 1}
	chains := []ChainState{
		{X: []float64{1}, LogLik: math.Inf(-1), Weight: 0},
		{X: []float64{2}, LogLik: math.NaN(), Weight: 0},
		{X: []float64{3}, LogLik: -5, Weight: 1},
	}
	if err := s.SaveStage("smc", 0, meta, chains); err != nil {
		tst.Fatal("Error: ", err)
	}
	_, got, err := s.LoadStage("smc", 0)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if !math.IsInf(got[0].LogLik, -1) {
		tst.Error("Expected -Inf log-likelihood, got", got[0].LogLik)
	}
	if !math.IsNaN(got[1].LogLik) {
		tst.Error("Expected NaN log-likelihood, got", got[1].LogLik)
	}
	if got[2].LogLik != -5 {
		tst.Error("Expected log-likelihood -5, got", got[2].LogLik)
	}
}

func TestRetentionFromFlag(tst *testing.T) {
	if RetentionFromFlag(false) != RetainAll {
		tst.Error("Expected RetainAll for rm=false")
	}
	if RetentionFromFlag(true) != RetainLast {
		tst.Error("Expected RetainLast for rm=true")
	}
}
