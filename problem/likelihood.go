package problem

import (
	"math"
)

const log2Pi = 1.8378770664093453

// LogLikelihood scores a residual under the dataset covariance and a
// noise-scaling hyperparameter h: the multivariate Gaussian log
// density with the covariance inflated by exp(2h),
//
//	-0.5 * (N log 2pi + logdet(C) + 2 N h + exp(-2h) r' C^-1 r)
//
// Non-finite residuals score as -Inf so the sampler treats the draw
// as zero-probability instead of failing.
func LogLikelihood(res []float64, cov *Covariance, hyper float64) float64 {
	n := float64(len(res))
	for _, v := range res {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return math.Inf(-1)
		}
	}
	q := cov.QuadForm(res)
	llk := -0.5 * (n*log2Pi + cov.LogDet() + 2*n*hyper + math.Exp(-2*hyper)*q)
	if math.IsNaN(llk) {
		return math.Inf(-1)
	}
	return llk
}

// hyperLogLikelihood scores a hyperparameter against a frozen
// residual quadratic form; the non-hyper terms of LogLikelihood with
// q precomputed.
func hyperLogLikelihood(q, logdet float64, n int, hyper float64) float64 {
	nf := float64(n)
	llk := -0.5 * (nf*log2Pi + logdet + 2*nf*hyper + math.Exp(-2*hyper)*q)
	if math.IsNaN(llk) {
		return math.Inf(-1)
	}
	return llk
}
