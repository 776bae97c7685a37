package problem

import (
	"math"
	"testing"

	"github.com/op/go-logging"
)

// smallDiff is a threshold for testing
const smallDiff = 1e-9

func init() {
	logging.SetLevel(logging.ERROR, "problem")
	logging.SetLevel(logging.ERROR, "gfstore")
}

// identityCov returns a factorized unit covariance.
func identityCov(tst testing.TB, n int) *Covariance {
	c := NewCovariance(n, 1)
	if err := c.Update(); err != nil {
		tst.Fatal("Error: ", err)
	}
	return c
}

func TestLogLikelihoodIdentity(tst *testing.T) {
	cov := identityCov(tst, 3)
	r := []float64{1, -2, 0.5}
	var ss float64
	for _, v := range r {
		ss += v * v
	}
	L := LogLikelihood(r, cov, 0)
	refL := -0.5 * (3*log2Pi + ss)
	tst.Log("L=", L, ", Ref=", refL, ", diff=", math.Abs(L-refL))
	if math.IsNaN(L) || math.Abs(L-refL) > smallDiff {
		tst.Error("Expected ", refL, ", got", L)
	}
}

func TestLogLikelihoodHyperScaling(tst *testing.T) {
	cov := identityCov(tst, 2)
	r := []float64{3, 4}
	h := 1.0
	L := LogLikelihood(r, cov, h)
	refL := -0.5 * (2*log2Pi + 2*2*h + math.Exp(-2*h)*25)
	tst.Log("L=", L, ", Ref=", refL, ", diff=", math.Abs(L-refL))
	if math.Abs(L-refL) > smallDiff {
		tst.Error("Expected ", refL, ", got", L)
	}
	// very small residual favours a small noise scaling
	if LogLikelihood([]float64{1e-3, 1e-3}, cov, -2) <= LogLikelihood([]float64{1e-3, 1e-3}, cov, 2) {
		tst.Error("Expected smaller hyper to score better for tiny residuals")
	}
}

func TestLogLikelihoodNonFinite(tst *testing.T) {
	cov := identityCov(tst, 2)
	if !math.IsInf(LogLikelihood([]float64{math.NaN(), 0}, cov, 0), -1) {
		tst.Error("Expected -Inf for NaN residual")
	}
	if !math.IsInf(LogLikelihood([]float64{math.Inf(1), 0}, cov, 0), -1) {
		tst.Error("Expected -Inf for infinite residual")
	}
}

func TestHyperLogLikelihoodConsistent(tst *testing.T) {
	cov := identityCov(tst, 4)
	r := []float64{0.3, -1, 2, 0.1}
	h := 0.7
	full := LogLikelihood(r, cov, h)
	q := cov.QuadForm(r)
	hyp := hyperLogLikelihood(q, cov.LogDet(), len(r), h)
	tst.Log("full=", full, ", hyper=", hyp)
	if math.Abs(full-hyp) > smallDiff {
		tst.Error("Expected ", full, ", got", hyp)
	}
}
