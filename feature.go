package carta

import (
	"fmt"
	"math"
	"strings"

	"github.com/golang/geo/s2"
)

// Position is a lon/lat coordinate pair in degrees.
type Position [2]float64

// Lon returns the longitude in degrees.
func (p Position) Lon() float64 { return p[0] }

// Lat returns the latitude in degrees.
func (p Position) Lat() float64 { return p[1] }

func (p Position) finite() bool {
	return !math.IsNaN(p[0]) && !math.IsInf(p[0], 0) &&
		!math.IsNaN(p[1]) && !math.IsInf(p[1], 0)
}

// GeometryType enumerates the geometry kinds a feature may carry.
type GeometryType string

const (
	GeometryPoint        GeometryType = "Point"
	GeometryMultiPoint   GeometryType = "MultiPoint"
	GeometryLine         GeometryType = "LineString"
	GeometryMultiLine    GeometryType = "MultiLineString"
	GeometryPolygon      GeometryType = "Polygon"
	GeometryMultiPolygon GeometryType = "MultiPolygon"
)

// Geometry holds one geometry of the type named by Type. Only the
// field matching Type is consulted.
type Geometry struct {
	Type         GeometryType  `msgpack:"t" json:"type"`
	Point        Position      `msgpack:"p,omitempty" json:"point,omitempty"`
	MultiPoint   []Position    `msgpack:"mp,omitempty" json:"multipoint,omitempty"`
	Line         []Position    `msgpack:"l,omitempty" json:"line,omitempty"`
	MultiLine    [][]Position  `msgpack:"ml,omitempty" json:"multiline,omitempty"`
	Polygon      [][]Position  `msgpack:"pg,omitempty" json:"polygon,omitempty"`
	MultiPolygon [][][]Position `msgpack:"mpg,omitempty" json:"multipolygon,omitempty"`
}

// positions returns every coordinate of the geometry in order.
func (g Geometry) positions() []Position {
	switch g.Type {
	case GeometryPoint:
		return []Position{g.Point}
	case GeometryMultiPoint:
		return g.MultiPoint
	case GeometryLine:
		return g.Line
	case GeometryMultiLine:
		var out []Position
		for _, l := range g.MultiLine {
			out = append(out, l...)
		}
		return out
	case GeometryPolygon:
		var out []Position
		for _, ring := range g.Polygon {
			out = append(out, ring...)
		}
		return out
	case GeometryMultiPolygon:
		var out []Position
		for _, poly := range g.MultiPolygon {
			for _, ring := range poly {
				out = append(out, ring...)
			}
		}
		return out
	}
	return nil
}

// validate checks structural sanity: finite coordinates, non-empty
// parts, no zero-length linework, rings with enough positions to
// close. Failures are ErrInvalidGeometry; the caller drops the feature
// and logs it rather than aborting the batch.
func (g Geometry) validate() error {
	positions := g.positions()
	if len(positions) == 0 {
		return fmt.Errorf("%w: %s has no coordinates", ErrInvalidGeometry, g.Type)
	}
	for _, p := range positions {
		if !p.finite() {
			return fmt.Errorf("%w: non-finite coordinate", ErrInvalidGeometry)
		}
	}
	switch g.Type {
	case GeometryPoint, GeometryMultiPoint:
		return nil
	case GeometryLine:
		return validateLine(g.Line)
	case GeometryMultiLine:
		for _, l := range g.MultiLine {
			if err := validateLine(l); err != nil {
				return err
			}
		}
	case GeometryPolygon:
		return validateRings(g.Polygon)
	case GeometryMultiPolygon:
		for _, poly := range g.MultiPolygon {
			if err := validateRings(poly); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: unknown geometry type %q", ErrInvalidGeometry, g.Type)
	}
	return nil
}

func validateLine(line []Position) error {
	if len(line) < 2 {
		return fmt.Errorf("%w: line with %d positions", ErrInvalidGeometry, len(line))
	}
	for i := 1; i < len(line); i++ {
		if line[i] != line[0] {
			return nil
		}
	}
	return fmt.Errorf("%w: zero-length linework", ErrInvalidGeometry)
}

func validateRings(rings [][]Position) error {
	if len(rings) == 0 {
		return fmt.Errorf("%w: polygon with no rings", ErrInvalidGeometry)
	}
	for _, ring := range rings {
		if len(ring) < 4 {
			return fmt.Errorf("%w: ring with %d positions", ErrInvalidGeometry, len(ring))
		}
	}
	return nil
}

// Feature is one input document: a named geographic feature to be
// indexed into a layer. Text may carry comma-separated alternate names
// the way Geonames records carry alt names; each alternate is indexed
// as its own token sequence.
type Feature struct {
	ID             string    `msgpack:"id" json:"id"`
	Text           string    `msgpack:"tx" json:"text"`
	Center         Position  `msgpack:"ct" json:"center"`
	Geometry       Geometry  `msgpack:"g" json:"geometry"`
	Score          float64   `msgpack:"sc" json:"score"`
	AddressNumbers []float64 `msgpack:"an,omitempty" json:"address_numbers,omitempty"`
	Zoom           int       `msgpack:"z,omitempty" json:"zoom,omitempty"`
}

// textVariants splits the feature text into its alternate names.
func (f Feature) textVariants() []string {
	var out []string
	for _, v := range strings.Split(f.Text, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// StandardFeature is a Feature after validation and normalization:
// bbox computed and clamped, zoom defaulted from layer config, token
// sequences materialized per name variant, covering cells resolved.
type StandardFeature struct {
	Feature
	BBox      BBox
	Zoom      int
	Cells     []s2.CellID
	TokenSets [][]string
}

// Standardize validates and normalizes a feature against a layer
// configuration. Returns ErrEmptyText when no name variant yields
// tokens, ErrInvalidGeometry when the geometry is unusable, and a
// plain error when the geometry type is not allowed for the layer.
func Standardize(f Feature, cfg LayerConfig, tok *Tokenizer) (StandardFeature, error) {
	if f.ID == "" {
		return StandardFeature{}, fmt.Errorf("carta: feature without id")
	}
	if !cfg.allowsGeometry(f.Geometry.Type) {
		return StandardFeature{}, fmt.Errorf("carta: layer %q does not allow %s features", cfg.Name, f.Geometry.Type)
	}

	var tokenSets [][]string
	for _, variant := range f.textVariants() {
		tokens, err := tok.Tokenize(variant)
		if err != nil {
			continue
		}
		tokenSets = append(tokenSets, tokens)
	}
	if len(tokenSets) == 0 {
		return StandardFeature{}, fmt.Errorf("%w: feature %q", ErrEmptyText, f.ID)
	}

	zoom := f.Zoom
	if zoom <= 0 {
		zoom = cfg.MaxZoom
	}

	bbox, cells, err := Cover(f.Geometry, zoom)
	if err != nil {
		return StandardFeature{}, fmt.Errorf("feature %q: %w", f.ID, err)
	}
	bbox = clampBBox(bbox)

	sf := StandardFeature{
		Feature:   f,
		BBox:      bbox,
		Zoom:      zoom,
		Cells:     cells,
		TokenSets: tokenSets,
	}
	if sf.Center == (Position{}) && f.Geometry.Type == GeometryPoint {
		sf.Center = f.Geometry.Point
	}
	return sf, nil
}

// clampBBox clamps coordinates to valid longitude/latitude ranges.
func clampBBox(b BBox) BBox {
	b.S = math.Max(b.S, -90)
	b.N = math.Min(b.N, 90)
	b.W = clampLon(b.W)
	b.E = clampLon(b.E)
	return b
}

func clampLon(lon float64) float64 {
	return math.Max(-180, math.Min(180, lon))
}
