package gfstore

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/op/go-logging"
)

// smallDiff is a threshold for testing
const smallDiff = 1e-9

func init() {
	logging.SetLevel(logging.ERROR, "gfstore")
}

// testMeta is a 3x3 static grid with all four fundamental components.
func testMeta() Meta {
	return Meta{
		DepthMin: 0, DepthMax: 4, DepthSpacing: 2,
		DistanceMin: 0, DistanceMax: 20, DistanceSpacing: 10,
		Components: []string{CompISO, CompSS, CompDS, CompDD},
		NSamples:   1,
		EarthModel: "ak135",
	}
}

// testValue is linear in depth and distance, so multilinear
// interpolation reproduces it exactly everywhere on the grid.
func testValue(depth, dist float64, ic int) float64 {
	return 1000*float64(ic) + 100*depth + dist
}

func createTestStore(tst testing.TB, dir string) *Store {
	meta := testMeta()
	nd, nr, nc := meta.NDepths(), meta.NDistances(), len(meta.Components)
	data := make([]float64, 0, nd*nr*nc)
	for id := 0; id < nd; id++ {
		for ir := 0; ir < nr; ir++ {
			for ic := 0; ic < nc; ic++ {
				depth := meta.DepthMin + float64(id)*meta.DepthSpacing
				dist := meta.DistanceMin + float64(ir)*meta.DistanceSpacing
				data = append(data, testValue(depth, dist, ic))
			}
		}
	}
	if err := Create(dir, meta, data); err != nil {
		tst.Fatal("Error: ", err)
	}
	st, err := Open(dir)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	return st
}

func TestOpenValidate(tst *testing.T) {
	dir := filepath.Join(tst.TempDir(), "store")
	st := createTestStore(tst, dir)
	m := st.Meta()
	if m.NDepths() != 3 || m.NDistances() != 3 {
		tst.Error("Unexpected grid size:", m.NDepths(), m.NDistances())
	}
	if st.Component(CompSS) != 1 {
		tst.Error("Expected ss at component index 1, got", st.Component(CompSS))
	}
	if st.Component("nodal") != -1 {
		tst.Error("Expected -1 for unknown component")
	}

	// truncated traces file must be rejected
	if err := os.WriteFile(filepath.Join(dir, "traces.bin"), []byte{1, 2, 3}, 0644); err != nil {
		tst.Fatal("Error: ", err)
	}
	if _, err := Open(dir); err == nil {
		tst.Error("Expected error for truncated traces file")
	}
}

func TestInterpolateExact(tst *testing.T) {
	st := createTestStore(tst, filepath.Join(tst.TempDir(), "store"))
	// off-node point: multilinear reproduces the linear field
	v, err := st.Interpolate(nil, 1.5, 7.5, 2, Multilinear)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	ref := testValue(1.5, 7.5, 2)
	tst.Log("v=", v[0], ", Ref=", ref)
	if math.Abs(v[0]-ref) > smallDiff {
		tst.Error("Expected ", ref, ", got", v[0])
	}
	// nearest neighbor snaps to the closest node
	v, err = st.Interpolate(v, 1.5, 7.5, 2, NearestNeighbor)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	ref = testValue(2, 10, 2)
	if math.Abs(v[0]-ref) > smallDiff {
		tst.Error("Expected ", ref, ", got", v[0])
	}
}

func TestInterpolateIdempotent(tst *testing.T) {
	st := createTestStore(tst, filepath.Join(tst.TempDir(), "store"))
	// repeated lookups at the same point return identical values
	for _, interp := range []Interpolation{NearestNeighbor, Multilinear} {
		a, err := st.Interpolate(nil, 1.3, 11.7, 1, interp)
		if err != nil {
			tst.Fatal("Error: ", err)
		}
		b, err := st.Interpolate(nil, 1.3, 11.7, 1, interp)
		if err != nil {
			tst.Fatal("Error: ", err)
		}
		if a[0] != b[0] {
			tst.Error("Lookup not deterministic:", a[0], "vs", b[0])
		}
	}
	// grid nodes are reproduced exactly by both schemes
	for _, interp := range []Interpolation{NearestNeighbor, Multilinear} {
		v, err := st.Interpolate(nil, 2, 10, 3, interp)
		if err != nil {
			tst.Fatal("Error: ", err)
		}
		ref := testValue(2, 10, 3)
		if math.Abs(v[0]-ref) > smallDiff {
			tst.Error("Expected ", ref, ", got", v[0])
		}
	}
}

func TestRangeError(tst *testing.T) {
	st := createTestStore(tst, filepath.Join(tst.TempDir(), "store"))
	_, err := st.Interpolate(nil, -1, 10, 0, Multilinear)
	var re *RangeError
	if !errors.As(err, &re) {
		tst.Fatal("Expected RangeError, got", err)
	}
	if re.Axis != "depth" || re.Value != -1 {
		tst.Error("Unexpected error detail:", re)
	}
	_, err = st.Interpolate(nil, 2, 25, 0, Multilinear)
	if !errors.As(err, &re) {
		tst.Fatal("Expected RangeError, got", err)
	}
	if re.Axis != "distance" {
		tst.Error("Unexpected error detail:", re)
	}
	// upper grid edges are inside
	if _, err := st.Interpolate(nil, 4, 20, 0, Multilinear); err != nil {
		tst.Error("Error: ", err)
	}
}

func TestSingleNodeAxis(tst *testing.T) {
	meta := Meta{
		DepthMin: 2, DepthMax: 2, DepthSpacing: 1,
		DistanceMin: 0, DistanceMax: 10, DistanceSpacing: 10,
		Components: []string{CompISO},
		NSamples:   1,
	}
	data := []float64{7, 9}
	dir := filepath.Join(tst.TempDir(), "store")
	if err := Create(dir, meta, data); err != nil {
		tst.Fatal("Error: ", err)
	}
	st, err := Open(dir)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	v, err := st.Interpolate(nil, 2, 5, 0, Multilinear)
	if err != nil {
		tst.Fatal("Error: ", err)
	}
	if math.Abs(v[0]-8) > smallDiff {
		tst.Error("Expected 8, got", v[0])
	}
}
