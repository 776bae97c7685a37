package main

// ParameterSummary is the posterior marginal summary of one
// parameter dimension.
type ParameterSummary struct {
	Name string  `json:"name"`
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// RunSummary is the JSON run summary.
type RunSummary struct {
	// Version stores the bise version.
	Version string `json:"version"`
	// CommandLine is an array storing binary name and all command-line parameters.
	CommandLine []string `json:"commandLine"`
	// Seed is the seed used for random number generation initialization.
	Seed uint64 `json:"seed"`
	// NThreads is the number of processes used.
	NThreads int `json:"nThreads"`
	// Time is the computation time in seconds.
	Time float64 `json:"time"`
	// Sampler is the sampling algorithm used.
	Sampler string `json:"sampler,omitempty"`
	// NSamples is the number of posterior samples in the trace.
	NSamples int `json:"nSamples"`
	// Parameters are the posterior marginal summaries.
	Parameters []ParameterSummary `json:"parameters"`
	// MaxLnL is the highest log-likelihood in the trace.
	MaxLnL float64 `json:"maxLnL"`
	// MaxLParameters are the parameter values at the highest
	// log-likelihood sample.
	MaxLParameters map[string]float64 `json:"maxLParameters,omitempty"`
}
