package gfstore

import (
	"fmt"
	"math"
)

// Fundamental-source component names. A store carries response traces
// for a subset of these; a mechanism maps them to azimuth-dependent
// radiation weights.
const (
	// CompISO is the isotropic (explosion) response.
	CompISO = "iso"
	// CompSS is the vertical strike-slip fundamental fault.
	CompSS = "ss"
	// CompDS is the vertical dip-slip fundamental fault.
	CompDS = "ds"
	// CompDD is the 45-degree dip-slip fundamental fault.
	CompDD = "dd"
)

// bulkModulus relates volume change to isotropic moment [Pa].
const bulkModulus = 3.6e10

// shearModulus relates slip and fault area to shear moment [Pa].
const shearModulus = 3.3e10

// Mechanism holds the source orientation and selects the radiation
// weights used to stack fundamental-source responses.
type Mechanism struct {
	// Strike, Dip, Rake in degrees; ignored for isotropic sources.
	Strike float64
	Dip    float64
	Rake   float64
	// Iso marks a purely isotropic source.
	Iso bool
}

// Weight returns the radiation weight of a fundamental component for
// a receiver at the given azimuth [deg]. The weights follow the
// classic three-fundamental-fault decomposition of a double couple.
func (m Mechanism) Weight(comp string, azimuth float64) float64 {
	if m.Iso {
		if comp == CompISO {
			return 1
		}
		return 0
	}
	az := (azimuth - m.Strike) * math.Pi / 180
	dip := m.Dip * math.Pi / 180
	rake := m.Rake * math.Pi / 180
	switch comp {
	case CompSS:
		return math.Cos(rake)*math.Sin(dip)*math.Sin(2*az) +
			0.5*math.Sin(rake)*math.Sin(2*dip)*math.Cos(2*az)
	case CompDS:
		return math.Cos(rake)*math.Cos(dip)*math.Cos(az) -
			math.Sin(rake)*math.Cos(2*dip)*math.Sin(az)
	case CompDD:
		return 0.5 * math.Sin(rake) * math.Sin(2*dip)
	}
	return 0
}

// Point is a discretized point dislocation; every source reduces to a
// set of points for synthesis.
type Point struct {
	East   float64 // [km] relative to the reference event
	North  float64 // [km]
	Depth  float64 // [km]
	Time   float64 // origin time shift [s]
	Moment float64 // [Nm]
	Mech   Mechanism
}

// SourceType is the closed set of parametric source models.
type SourceType int

const (
	// ExplosionType is an isotropic volume-change point source.
	ExplosionType SourceType = iota
	// DCType is a double-couple point source.
	DCType
	// RectangularType is a finite rectangular dislocation,
	// discretized into point sources.
	RectangularType
)

// String returns the configuration name of the source type.
func (t SourceType) String() string {
	switch t {
	case ExplosionType:
		return "ExplosionSource"
	case DCType:
		return "DCSource"
	case RectangularType:
		return "RectangularSource"
	}
	return "unknown"
}

// SourceTypeFromString returns a source type given its configuration
// name.
func SourceTypeFromString(s string) (SourceType, error) {
	switch s {
	case "ExplosionSource":
		return ExplosionType, nil
	case "DCSource":
		return DCType, nil
	case "RectangularSource":
		return RectangularType, nil
	}
	return ExplosionType, fmt.Errorf("unknown source type: %s", s)
}

// Vars returns the source parameter names in canonical order. These
// names key the prior map of the problem configuration.
func (t SourceType) Vars() []string {
	switch t {
	case ExplosionType:
		return []string{"east_shift", "north_shift", "depth", "volume_change"}
	case DCType:
		return []string{"east_shift", "north_shift", "depth",
			"strike", "dip", "rake", "magnitude"}
	case RectangularType:
		return []string{"east_shift", "north_shift", "depth",
			"strike", "dip", "rake", "length", "width", "slip"}
	}
	return nil
}

// TimeVars returns the additional source parameters for time-domain
// (seismic) data.
func TimeVars() []string {
	return []string{"time", "duration"}
}

// Source is one parametric source model instance.
type Source interface {
	Type() SourceType
	// Points returns the discretized point sources. The result
	// must not alias mutable state; synthesis is side-effect-free.
	Points() []Point
	// Duration is the source time function duration [s].
	Duration() float64
}

// ExplosionSource is an isotropic point source parameterized by
// volume change [m^3].
type ExplosionSource struct {
	East, North, Depth float64
	VolumeChange       float64
	Time               float64
	STFDuration        float64
}

// Duration returns the source time function duration.
func (s *ExplosionSource) Duration() float64 { return s.STFDuration }

// Type returns ExplosionType.
func (s *ExplosionSource) Type() SourceType { return ExplosionType }

// Points returns the single isotropic point.
func (s *ExplosionSource) Points() []Point {
	return []Point{{
		East:   s.East,
		North:  s.North,
		Depth:  s.Depth,
		Time:   s.Time,
		Moment: bulkModulus * s.VolumeChange,
		Mech:   Mechanism{Iso: true},
	}}
}

// DCSource is a double-couple point source parameterized by moment
// magnitude.
type DCSource struct {
	East, North, Depth float64
	Strike, Dip, Rake  float64
	Magnitude          float64
	Time               float64
	STFDuration        float64
}

// Type returns DCType.
func (s *DCSource) Type() SourceType { return DCType }

// Duration returns the source time function duration.
func (s *DCSource) Duration() float64 { return s.STFDuration }

// moment converts moment magnitude to scalar moment [Nm].
func moment(magnitude float64) float64 {
	return math.Pow(10, 1.5*magnitude+9.1)
}

// Points returns the single double-couple point.
func (s *DCSource) Points() []Point {
	return []Point{{
		East:   s.East,
		North:  s.North,
		Depth:  s.Depth,
		Time:   s.Time,
		Moment: moment(s.Magnitude),
		Mech:   Mechanism{Strike: s.Strike, Dip: s.Dip, Rake: s.Rake},
	}}
}

// RectangularSource is a finite rectangular dislocation. East, North
// and Depth refer to the center of the upper edge; Length is along
// strike [km], Width down dip [km], Slip in [m].
type RectangularSource struct {
	East, North, Depth float64
	Strike, Dip, Rake  float64
	Length, Width      float64
	Slip               float64
	Time               float64
	STFDuration        float64
	// Decimation reduces the patch discretization; 1 keeps the
	// full resolution.
	Decimation int
}

// Type returns RectangularType.
func (s *RectangularSource) Type() SourceType { return RectangularType }

// Duration returns the source time function duration.
func (s *RectangularSource) Duration() float64 { return s.STFDuration }

// patchSize is the nominal patch edge length [km] before decimation.
const patchSize = 2.0

// Points discretizes the fault plane into patches of equal moment.
func (s *RectangularSource) Points() []Point {
	dec := s.Decimation
	if dec < 1 {
		dec = 1
	}
	nl := int(math.Max(1, math.Round(s.Length/(patchSize*float64(dec)))))
	nw := int(math.Max(1, math.Round(s.Width/(patchSize*float64(dec)))))

	totalMoment := shearModulus * s.Slip * s.Length * s.Width * 1e6 // km^2 -> m^2
	pm := totalMoment / float64(nl*nw)
	mech := Mechanism{Strike: s.Strike, Dip: s.Dip, Rake: s.Rake}

	strikeRad := s.Strike * math.Pi / 180
	dipRad := s.Dip * math.Pi / 180
	// unit vectors along strike and down dip (horizontal projection)
	se, sn := math.Sin(strikeRad), math.Cos(strikeRad)
	de, dn := math.Cos(strikeRad)*math.Cos(dipRad), -math.Sin(strikeRad)*math.Cos(dipRad)

	points := make([]Point, 0, nl*nw)
	for il := 0; il < nl; il++ {
		al := (float64(il)+0.5)/float64(nl) - 0.5
		for iw := 0; iw < nw; iw++ {
			aw := (float64(iw) + 0.5) / float64(nw)
			points = append(points, Point{
				East:   s.East + al*s.Length*se + aw*s.Width*de,
				North:  s.North + al*s.Length*sn + aw*s.Width*dn,
				Depth:  s.Depth + aw*s.Width*math.Sin(dipRad),
				Time:   s.Time,
				Moment: pm,
				Mech:   mech,
			})
		}
	}
	return points
}

// NewSource builds a source of the given type from named parameter
// values. Missing names default to zero.
func NewSource(t SourceType, vals map[string]float64, decimation int) (Source, error) {
	switch t {
	case ExplosionType:
		return &ExplosionSource{
			East:         vals["east_shift"],
			North:        vals["north_shift"],
			Depth:        vals["depth"],
			VolumeChange: vals["volume_change"],
			Time:         vals["time"],
			STFDuration:  vals["duration"],
		}, nil
	case DCType:
		return &DCSource{
			East:        vals["east_shift"],
			North:       vals["north_shift"],
			Depth:       vals["depth"],
			Strike:      vals["strike"],
			Dip:         vals["dip"],
			Rake:        vals["rake"],
			Magnitude:   vals["magnitude"],
			Time:        vals["time"],
			STFDuration: vals["duration"],
		}, nil
	case RectangularType:
		return &RectangularSource{
			East:        vals["east_shift"],
			North:       vals["north_shift"],
			Depth:       vals["depth"],
			Strike:      vals["strike"],
			Dip:         vals["dip"],
			Rake:        vals["rake"],
			Length:      vals["length"],
			Width:       vals["width"],
			Slip:        vals["slip"],
			Time:        vals["time"],
			STFDuration: vals["duration"],
			Decimation:  decimation,
		}, nil
	}
	return nil, fmt.Errorf("unknown source type %d", t)
}
