package carta

import (
	"math"

	"github.com/golang/geo/r1"
	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

// maxCoverCells caps the number of cells emitted for a single feature.
// Index entries fan out as phrases x cells, so the cap keeps index size
// proportional to configured bounds instead of geometry complexity.
// Oversized geometries degrade to a coarser bbox covering under the cap
// rather than exceeding it.
const maxCoverCells = 64

// maxCellLevel is the deepest s2 level a layer zoom may map to.
const maxCellLevel = 30

// BBox is a geographic bounding box in degrees. A box that crosses the
// antimeridian is represented with W > E; Width accounts for the wrap.
// The coverer never emits a box whose longitude width reaches 180.
type BBox struct {
	W, S, E, N float64
}

// Width returns the longitude span in degrees, wrap-aware.
func (b BBox) Width() float64 {
	if b.Wrapped() {
		return b.E - b.W + 360
	}
	return b.E - b.W
}

// Height returns the latitude span in degrees.
func (b BBox) Height() float64 {
	return b.N - b.S
}

// Wrapped reports whether the box crosses the antimeridian.
func (b BBox) Wrapped() bool {
	return b.W > b.E
}

// Area returns an approximate angular area used only for "smaller box
// wins" tie-breaking, not for geodesy.
func (b BBox) Area() float64 {
	return b.Width() * b.Height()
}

// Pieces splits the box into one or two non-crossing boxes. Each piece
// satisfies the single-piece invariant W <= E with width < 180.
func (b BBox) Pieces() []BBox {
	if !b.Wrapped() {
		return []BBox{b}
	}
	return []BBox{
		{W: b.W, S: b.S, E: 180, N: b.N},
		{W: -180, S: b.S, E: b.E, N: b.N},
	}
}

// Contains reports whether the point lies inside the box, wrap-aware.
func (b BBox) Contains(p Position) bool {
	if p.Lat() < b.S || p.Lat() > b.N {
		return false
	}
	if b.Wrapped() {
		return p.Lon() >= b.W || p.Lon() <= b.E
	}
	return p.Lon() >= b.W && p.Lon() <= b.E
}

// boundsFor computes the bbox spanning all positions. When the naive
// extent would span 180 degrees or more of longitude (rings near +170
// and -170 naively span ~340), the minimal-width interpretation across
// the antimeridian is chosen instead.
func boundsFor(positions []Position) BBox {
	b := BBox{W: 180, S: 90, E: -180, N: -90}
	minShift, maxShift := 360.0, 0.0
	for _, p := range positions {
		b.S = math.Min(b.S, p.Lat())
		b.N = math.Max(b.N, p.Lat())
		b.W = math.Min(b.W, p.Lon())
		b.E = math.Max(b.E, p.Lon())
		shifted := p.Lon()
		if shifted < 0 {
			shifted += 360
		}
		minShift = math.Min(minShift, shifted)
		maxShift = math.Max(maxShift, shifted)
	}
	if b.E-b.W < 180 {
		return b
	}
	// Wraparound detected: re-read longitudes on [0, 360) and keep the
	// narrower interpretation.
	if maxShift-minShift < b.E-b.W {
		b.W = unshift(minShift)
		b.E = unshift(maxShift)
	}
	return b
}

func unshift(lon float64) float64 {
	if lon > 180 {
		return lon - 360
	}
	return lon
}

// cellLevel maps a layer zoom to an s2 cell level.
func cellLevel(zoom int) int {
	if zoom < 0 {
		return 0
	}
	if zoom > maxCellLevel {
		return maxCellLevel
	}
	return zoom
}

// cellForPoint returns the cell containing p at the given zoom.
func cellForPoint(p Position, zoom int) s2.CellID {
	ll := s2.LatLngFromDegrees(p.Lat(), p.Lon())
	return s2.CellIDFromLatLng(ll).Parent(cellLevel(zoom))
}

// Cover computes the canonical bbox and the set of cells covering a
// geometry at the given zoom. Point geometries produce a single cell
// and a zero-area bbox. Extended geometries are covered by their bbox
// extent, capped at maxCoverCells: past the cap the covering falls back
// to coarser parent cells, a deliberate precision/index-size tradeoff.
func Cover(geom Geometry, zoom int) (BBox, []s2.CellID, error) {
	if err := geom.validate(); err != nil {
		return BBox{}, nil, err
	}

	if geom.Type == GeometryPoint {
		p := geom.Point
		return BBox{W: p.Lon(), S: p.Lat(), E: p.Lon(), N: p.Lat()},
			[]s2.CellID{cellForPoint(p, zoom)}, nil
	}

	positions := geom.positions()
	bbox := boundsFor(positions)

	rc := &s2.RegionCoverer{
		MaxLevel: cellLevel(zoom),
		MaxCells: maxCoverCells,
	}
	cells := rc.Covering(rectFor(bbox))
	if len(cells) == 0 {
		// Degenerate extent (all positions identical): fall back to the
		// single cell containing the first position.
		cells = s2.CellUnion{cellForPoint(positions[0], zoom)}
	}
	return bbox, cells, nil
}

// rectFor converts a BBox to an s2.Rect. s1.Interval represents a
// wrapped longitude interval natively (Lo > Hi), so a single rect
// covers both pieces of an antimeridian-crossing box.
func rectFor(b BBox) s2.Rect {
	return s2.Rect{
		Lat: r1.Interval{Lo: rad(b.S), Hi: rad(b.N)},
		Lng: s1.Interval{Lo: rad(b.W), Hi: rad(b.E)},
	}
}

func rad(deg float64) float64 {
	return deg * math.Pi / 180
}

// cellsIntersect reports whether any cell in a intersects any cell in
// b. Cells may live at different levels; s2 containment handles the
// cross-zoom case.
func cellsIntersect(a, b []s2.CellID) bool {
	for _, ca := range a {
		for _, cb := range b {
			if ca.Intersects(cb) {
				return true
			}
		}
	}
	return false
}

// sharedCell returns the first cell of a that intersects a cell of b,
// preferring the deeper (more specific) of the two.
func sharedCell(a, b []s2.CellID) (s2.CellID, bool) {
	for _, ca := range a {
		for _, cb := range b {
			if ca.Intersects(cb) {
				if cb.Level() > ca.Level() {
					return cb, true
				}
				return ca, true
			}
		}
	}
	return 0, false
}
