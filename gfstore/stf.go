package gfstore

import (
	"fmt"
	"math"
)

// STFType is the closed set of source time function shapes.
type STFType int

const (
	// BoxcarSTF is a constant moment-rate pulse.
	BoxcarSTF STFType = iota
	// TriangularSTF is a symmetric triangular pulse.
	TriangularSTF
	// HalfSinusoidSTF is a half-period sinusoid pulse.
	HalfSinusoidSTF
)

// String returns the configuration name of the STF type.
func (t STFType) String() string {
	switch t {
	case BoxcarSTF:
		return "Boxcar"
	case TriangularSTF:
		return "Triangular"
	case HalfSinusoidSTF:
		return "HalfSinusoid"
	}
	return "unknown"
}

// STFTypeFromString returns an STF type given its configuration name.
func STFTypeFromString(s string) (STFType, error) {
	switch s {
	case "Boxcar":
		return BoxcarSTF, nil
	case "Triangular":
		return TriangularSTF, nil
	case "HalfSinusoid", "":
		return HalfSinusoidSTF, nil
	}
	return HalfSinusoidSTF, fmt.Errorf("unknown source time function type: %s", s)
}

// Kernel samples the normalized source time function at the given
// sample rate. The kernel sums to 1 so convolution preserves moment.
// A duration shorter than one sample yields an impulse.
func (t STFType) Kernel(duration, sampleRate float64) []float64 {
	n := int(math.Round(duration * sampleRate))
	if n < 1 {
		return []float64{1}
	}
	k := make([]float64, n+1)
	switch t {
	case BoxcarSTF:
		for i := range k {
			k[i] = 1
		}
	case TriangularSTF:
		for i := range k {
			a := float64(i) / float64(n)
			k[i] = 1 - math.Abs(2*a-1)
		}
	case HalfSinusoidSTF:
		for i := range k {
			k[i] = math.Sin(math.Pi * float64(i) / float64(n))
		}
	}
	var sum float64
	for _, v := range k {
		sum += v
	}
	if sum == 0 {
		// degenerate kernel, fall back to an impulse
		k[0] = 1
		return k[:1]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// convolve applies the kernel causally to trace, truncated to the
// trace length.
func convolve(trace, kernel []float64) {
	if len(kernel) == 1 && kernel[0] == 1 {
		return
	}
	out := make([]float64, len(trace))
	for i := range trace {
		var acc float64
		for j, kv := range kernel {
			if i-j < 0 {
				break
			}
			acc += kv * trace[i-j]
		}
		out[i] = acc
	}
	copy(trace, out)
}
