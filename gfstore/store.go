// Package gfstore provides read-only access to precomputed
// Green's-function stores and synthesis of observables for parametric
// earthquake sources. A store is a file-backed table of response
// traces on a regular source-depth / source-receiver-distance grid,
// built by external modeling codes. Stores are immutable once built
// and are shared by reference across all sampling workers.
package gfstore

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/op/go-logging"
	"gopkg.in/yaml.v3"
)

// log is the global logging variable.
var log = logging.MustGetLogger("gfstore")

const (
	metaFileName   = "config.yaml"
	tracesFileName = "traces.bin"
)

// Meta describes the grid and contents of a store. It is stored as
// config.yaml inside the store directory.
type Meta struct {
	// grid of source depths [km]
	DepthMin     float64 `yaml:"source_depth_min"`
	DepthMax     float64 `yaml:"source_depth_max"`
	DepthSpacing float64 `yaml:"source_depth_spacing"`
	// grid of source-receiver distances [km]
	DistanceMin     float64 `yaml:"source_distance_min"`
	DistanceMax     float64 `yaml:"source_distance_max"`
	DistanceSpacing float64 `yaml:"source_distance_spacing"`
	// fundamental-source components stored per grid node
	Components []string `yaml:"components"`
	// number of samples per response trace; 1 for static stores
	NSamples int `yaml:"nsamples"`
	// sample rate [Hz]; irrelevant for static stores
	SampleRate float64 `yaml:"sample_rate,omitempty"`
	// name of the reference earth model the store was built with
	EarthModel string `yaml:"earth_model_name,omitempty"`
	// variation index; 0 is the reference model, >0 are perturbed
	// earth models for modeling-error propagation
	Variation int `yaml:"variation,omitempty"`
}

// NDepths returns the number of depth grid nodes.
func (m *Meta) NDepths() int {
	return int(math.Round((m.DepthMax-m.DepthMin)/m.DepthSpacing)) + 1
}

// NDistances returns the number of distance grid nodes.
func (m *Meta) NDistances() int {
	return int(math.Round((m.DistanceMax-m.DistanceMin)/m.DistanceSpacing)) + 1
}

// Validate checks grid consistency.
func (m *Meta) Validate() error {
	if m.DepthSpacing <= 0 || m.DistanceSpacing <= 0 {
		return fmt.Errorf("store grid spacing must be positive")
	}
	if m.DepthMax < m.DepthMin || m.DistanceMax < m.DistanceMin {
		return fmt.Errorf("store grid bounds inverted")
	}
	if len(m.Components) == 0 {
		return fmt.Errorf("store has no components")
	}
	if m.NSamples < 1 {
		return fmt.Errorf("store nsamples must be >= 1")
	}
	if m.NSamples > 1 && m.SampleRate <= 0 {
		return fmt.Errorf("dynamic store needs a positive sample rate")
	}
	return nil
}

// RangeError reports a depth or distance outside the precomputed
// grid. The caller treats the parameter draw as zero-likelihood.
type RangeError struct {
	Axis  string
	Value float64
	Min   float64
	Max   float64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("gf store: %s=%v outside grid [%v, %v]",
		e.Axis, e.Value, e.Min, e.Max)
}

// Interpolation selects the grid interpolation scheme.
type Interpolation int

const (
	// NearestNeighbor picks the closest grid node.
	NearestNeighbor Interpolation = iota
	// Multilinear interpolates bilinearly in depth and distance.
	Multilinear
)

// String returns the configuration name of the scheme.
func (p Interpolation) String() string {
	switch p {
	case NearestNeighbor:
		return "nearest_neighbor"
	case Multilinear:
		return "multilinear"
	}
	return "unknown"
}

// InterpolationFromString returns an interpolation scheme given its
// configuration name.
func InterpolationFromString(s string) (Interpolation, error) {
	switch s {
	case "nearest_neighbor":
		return NearestNeighbor, nil
	case "multilinear", "":
		return Multilinear, nil
	}
	return Multilinear, fmt.Errorf("unknown interpolation scheme: %s", s)
}

// Store is a read-only handle to an on-disk Green's-function table.
// All lookups are pure; a Store is safe for concurrent use.
type Store struct {
	dir     string
	meta    Meta
	ndepth  int
	ndist   int
	ncomp   int
	data    []float64
	compIdx map[string]int
}

// Open loads a store from a directory containing config.yaml and
// traces.bin, validating that table size matches the grid metadata.
func Open(dir string) (*Store, error) {
	mb, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		return nil, fmt.Errorf("gf store %s: %v", dir, err)
	}
	s := &Store{dir: dir}
	if err := yaml.Unmarshal(mb, &s.meta); err != nil {
		return nil, fmt.Errorf("gf store %s: %v", dir, err)
	}
	if err := s.meta.Validate(); err != nil {
		return nil, fmt.Errorf("gf store %s: %v", dir, err)
	}
	s.ndepth = s.meta.NDepths()
	s.ndist = s.meta.NDistances()
	s.ncomp = len(s.meta.Components)
	s.compIdx = make(map[string]int, s.ncomp)
	for i, c := range s.meta.Components {
		s.compIdx[c] = i
	}

	tb, err := os.ReadFile(filepath.Join(dir, tracesFileName))
	if err != nil {
		return nil, fmt.Errorf("gf store %s: %v", dir, err)
	}
	want := s.ndepth * s.ndist * s.ncomp * s.meta.NSamples
	if len(tb) != want*8 {
		return nil, fmt.Errorf("gf store %s: traces file size %d, want %d values",
			dir, len(tb), want)
	}
	s.data = make([]float64, want)
	for i := range s.data {
		s.data[i] = math.Float64frombits(
			binary.LittleEndian.Uint64(tb[i*8 : i*8+8]))
	}
	log.Debugf("opened gf store %s: %dx%d grid, %d components, %d samples",
		dir, s.ndepth, s.ndist, s.ncomp, s.meta.NSamples)
	return s, nil
}

// Create writes a store to disk. Store construction is normally done
// by external modeling codes; this is used to build small synthetic
// stores for tests and examples. The data layout is
// [depth][distance][component][sample], little-endian float64.
func Create(dir string, meta Meta, data []float64) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	want := meta.NDepths() * meta.NDistances() * len(meta.Components) * meta.NSamples
	if len(data) != want {
		return fmt.Errorf("gf store: data has %d values, grid wants %d", len(data), want)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	mb, err := yaml.Marshal(&meta)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, metaFileName), mb, 0644); err != nil {
		return err
	}
	tb := make([]byte, len(data)*8)
	for i, v := range data {
		binary.LittleEndian.PutUint64(tb[i*8:i*8+8], math.Float64bits(v))
	}
	return os.WriteFile(filepath.Join(dir, tracesFileName), tb, 0644)
}

// Meta returns the store metadata.
func (s *Store) Meta() Meta {
	return s.meta
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

// Component returns the index of a named component, -1 if the store
// does not carry it.
func (s *Store) Component(name string) int {
	i, ok := s.compIdx[name]
	if !ok {
		return -1
	}
	return i
}

// trace returns the stored response trace at grid node (id, ir) for
// component ic.
func (s *Store) trace(id, ir, ic int) []float64 {
	off := ((id*s.ndist+ir)*s.ncomp + ic) * s.meta.NSamples
	return s.data[off : off+s.meta.NSamples]
}

// gridPos locates v on a grid axis, returning the lower node index
// and the fractional position within the cell.
func gridPos(v, min, max, spacing float64, n int) (int, float64, bool) {
	if v < min || v > max {
		return 0, 0, false
	}
	if n == 1 {
		return 0, 0, true
	}
	f := (v - min) / spacing
	i := int(f)
	if i >= n-1 {
		// exactly at the upper edge
		return n - 2, 1, true
	}
	return i, f - float64(i), true
}

// AccumulateInterpolated adds w times the interpolated response at
// (depth, dist) for component ic into dst. dst must have NSamples
// entries. The lookup is deterministic and does not mutate the store.
func (s *Store) AccumulateInterpolated(dst []float64, depth, dist float64, ic int, w float64, interp Interpolation) error {
	if len(dst) != s.meta.NSamples {
		return fmt.Errorf("gf store: destination has %d samples, store has %d",
			len(dst), s.meta.NSamples)
	}
	id, fd, ok := gridPos(depth, s.meta.DepthMin, s.meta.DepthMax, s.meta.DepthSpacing, s.ndepth)
	if !ok {
		return &RangeError{Axis: "depth", Value: depth, Min: s.meta.DepthMin, Max: s.meta.DepthMax}
	}
	ir, fr, ok := gridPos(dist, s.meta.DistanceMin, s.meta.DistanceMax, s.meta.DistanceSpacing, s.ndist)
	if !ok {
		return &RangeError{Axis: "distance", Value: dist, Min: s.meta.DistanceMin, Max: s.meta.DistanceMax}
	}

	switch interp {
	case NearestNeighbor:
		if fd > 0.5 && s.ndepth > 1 {
			id++
		}
		if fr > 0.5 && s.ndist > 1 {
			ir++
		}
		tr := s.trace(id, ir, ic)
		for i, v := range tr {
			dst[i] += w * v
		}
	case Multilinear:
		id1, ir1 := id, ir
		if s.ndepth > 1 {
			id1 = id + 1
		}
		if s.ndist > 1 {
			ir1 = ir + 1
		}
		w00 := (1 - fd) * (1 - fr)
		w01 := (1 - fd) * fr
		w10 := fd * (1 - fr)
		w11 := fd * fr
		t00 := s.trace(id, ir, ic)
		t01 := s.trace(id, ir1, ic)
		t10 := s.trace(id1, ir, ic)
		t11 := s.trace(id1, ir1, ic)
		for i := range dst {
			dst[i] += w * (w00*t00[i] + w01*t01[i] + w10*t10[i] + w11*t11[i])
		}
	default:
		return fmt.Errorf("unknown interpolation scheme %d", interp)
	}
	return nil
}

// Interpolate returns the interpolated response trace at (depth,
// dist) for component ic. If dst is nil a new slice is allocated.
func (s *Store) Interpolate(dst []float64, depth, dist float64, ic int, interp Interpolation) ([]float64, error) {
	if dst == nil {
		dst = make([]float64, s.meta.NSamples)
	} else {
		for i := range dst {
			dst[i] = 0
		}
	}
	err := s.AccumulateInterpolated(dst, depth, dist, ic, 1, interp)
	return dst, err
}
