package carta

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/andreiashu/carta/kv"
)

func testConfig() Config {
	return Config{Layers: []LayerConfig{
		{Name: "country", Rank: 1, MaxZoom: 6},
		{Name: "city", Rank: 2, MaxZoom: 10},
		{Name: "street", Rank: 3, MaxZoom: 14, Replacements: map[string]string{
			"st": "street",
			"nw": "northwest",
		}},
	}}
}

func newTestGeocoder(t *testing.T, store kv.Store, opts ...Option) *Geocoder {
	t.Helper()
	g, err := New(store, testConfig(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func mustIndex(t *testing.T, g *Geocoder, layerName string, feats ...Feature) {
	t.Helper()
	for _, f := range feats {
		if err := g.QueueFeature(layerName, f, nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := g.BuildQueued(context.Background(), layerName); err != nil {
		t.Fatal(err)
	}
}

func TestGeocodeForward(t *testing.T) {
	g := newTestGeocoder(t, kv.NewMemory())
	ctx := context.Background()

	mustIndex(t, g, "city",
		Feature{ID: "fr", Text: "Paris", Score: 5, Geometry: Geometry{Type: GeometryPoint, Point: Position{2.35, 48.85}}},
		Feature{ID: "tx", Text: "Paris", Score: 1, Geometry: Geometry{Type: GeometryPoint, Point: Position{-95.55, 33.66}}},
	)

	res, err := g.Geocode(ctx, "Paris", GeocodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Features) != 2 {
		t.Fatalf("got %d features, want 2", len(res.Features))
	}
	if res.Features[0].ID != "fr" {
		t.Errorf("top result = %s, want the higher-scored fr", res.Features[0].ID)
	}
	if res.Features[0].Properties.Layer != "city" || res.Features[0].Properties.Text != "Paris" {
		t.Errorf("top properties = %+v", res.Features[0].Properties)
	}
	if res.Features[0].Relevance <= res.Features[1].Relevance {
		t.Error("results not ordered by relevance")
	}
}

func TestGeocodePhrasematchThreshold(t *testing.T) {
	g := newTestGeocoder(t, kv.NewMemory())
	ctx := context.Background()

	mustIndex(t, g, "country", Feature{
		ID: "cg", Text: "Republic of Congo", Score: 2,
		Geometry: Geometry{Type: GeometryPoint, Point: Position{15.2, -0.7}},
	})

	// A single-token fragment of a three-token name clears the
	// permissive default threshold.
	res, err := g.Geocode(ctx, "congo", GeocodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Features) != 1 || res.Features[0].ID != "cg" {
		t.Fatalf("default threshold: %+v", res.Features)
	}

	// The same fragment fails a strict threshold.
	res, err = g.Geocode(ctx, "congo", GeocodeOptions{Phrasematch: 0.9})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Features) != 0 {
		t.Errorf("strict threshold returned %+v, want none", res.Features)
	}
	if res.Features == nil {
		t.Error("empty result must carry an empty slice, not nil")
	}

	// The full name passes any threshold.
	res, err = g.Geocode(ctx, "republic of congo", GeocodeOptions{Phrasematch: 0.9})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Features) != 1 {
		t.Errorf("full name at 0.9: %+v", res.Features)
	}
}

func TestGeocodeIntersection(t *testing.T) {
	g := newTestGeocoder(t, kv.NewMemory())
	ctx := context.Background()

	// Two streets crossing at (-77.031, 38.91).
	mustIndex(t, g, "street",
		Feature{
			ID: "s9", Text: "9th St NW", Score: 1,
			Center:   Position{-77.031, 38.91},
			Geometry: Geometry{Type: GeometryLine, Line: []Position{{-77.031, 38.90}, {-77.031, 38.92}}},
		},
		Feature{
			ID: "s15", Text: "15th St NW", Score: 1,
			Center:   Position{-77.03, 38.91},
			Geometry: Geometry{Type: GeometryLine, Line: []Position{{-77.04, 38.91}, {-77.02, 38.91}}},
		},
	)

	res, err := g.Geocode(ctx, "9th st nw and 15th st nw", GeocodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Features) == 0 {
		t.Fatal("no results for intersection query")
	}
	top := res.Features[0]
	if top.ID != "s9+s15" {
		t.Fatalf("top result = %s, want the synthesized crossing", top.ID)
	}
	if top.Geometry.Type != GeometryPoint {
		t.Errorf("crossing geometry = %s, want a point", top.Geometry.Type)
	}
	if math.Abs(top.Properties.Center.Lon()+77.031) > 0.2 || math.Abs(top.Properties.Center.Lat()-38.91) > 0.2 {
		t.Errorf("crossing center = %v, want near (-77.031, 38.91)", top.Properties.Center)
	}

	// The reversed ordering finds the same crossing.
	res, err = g.Geocode(ctx, "15th st nw and 9th st nw", GeocodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Features) == 0 || res.Features[0].ID != "s15+s9" {
		t.Errorf("reversed ordering: %+v", res.Features)
	}
}

func TestGeocodeConjunctionName(t *testing.T) {
	g := newTestGeocoder(t, kv.NewMemory())
	ctx := context.Background()

	// A single feature whose name contains a conjunction is
	// retrievable under both orderings.
	mustIndex(t, g, "street", Feature{
		ID: "x", Text: "Elm and Oak", Score: 1,
		Center:   Position{-77.0, 38.9},
		Geometry: Geometry{Type: GeometryPoint, Point: Position{-77.0, 38.9}},
	})

	for _, q := range []string{"elm and oak", "oak and elm"} {
		res, err := g.Geocode(ctx, q, GeocodeOptions{Phrasematch: 0.9})
		if err != nil {
			t.Fatal(err)
		}
		if len(res.Features) != 1 || res.Features[0].ID != "x" {
			t.Errorf("Geocode(%q) = %+v, want feature x", q, res.Features)
		}
	}
}

func TestGeocodeAddressInterpolation(t *testing.T) {
	g := newTestGeocoder(t, kv.NewMemory())
	ctx := context.Background()

	mustIndex(t, g, "street", Feature{
		ID: "fk", Text: "Fake Street", Score: 1,
		Center:         Position{-77.03, 38.90},
		Geometry:       Geometry{Type: GeometryLine, Line: []Position{{-77.03, 38.90}, {-77.01, 38.90}}},
		AddressNumbers: []float64{70, 72, 74},
	})

	res, err := g.Geocode(ctx, "72 fake street", GeocodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Features) == 0 {
		t.Fatal("no results")
	}
	top := res.Features[0]
	if top.Properties.Address == nil || *top.Properties.Address != 72 {
		t.Fatalf("address = %v, want 72", top.Properties.Address)
	}
	// 72 is the middle of [70,72,74]: the interpolated point is the
	// line midpoint, not the feature center.
	if math.Abs(top.Properties.Center.Lon()+77.02) > 1e-9 {
		t.Errorf("interpolated lon = %v, want -77.02", top.Properties.Center.Lon())
	}
	if math.Abs(top.Properties.Center.Lat()-38.90) > 1e-9 {
		t.Errorf("interpolated lat = %v, want 38.90", top.Properties.Center.Lat())
	}
	if top.Geometry.Type != GeometryPoint {
		t.Errorf("geometry = %s, want interpolated point", top.Geometry.Type)
	}

	// A number outside the range clamps to the nearer end.
	res, err = g.Geocode(ctx, "99 fake street", GeocodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Features) == 0 {
		t.Fatal("no results for clamped address")
	}
	if math.Abs(res.Features[0].Properties.Center.Lon()+77.01) > 1e-9 {
		t.Errorf("clamped lon = %v, want the line end -77.01", res.Features[0].Properties.Center.Lon())
	}
}

func TestGeocodeMultiLayerReinforcement(t *testing.T) {
	g := newTestGeocoder(t, kv.NewMemory())
	ctx := context.Background()

	mustIndex(t, g, "country", countryFeature("fd", "Freedonia", 0, 10, -5, 20, 5))
	mustIndex(t, g, "city",
		Feature{ID: "fa", Text: "Fredville", Score: 1, Geometry: Geometry{Type: GeometryPoint, Point: Position{15, 0}}},
		Feature{ID: "fb", Text: "Fredville", Score: 5, Geometry: Geometry{Type: GeometryPoint, Point: Position{-100, 40}}},
	)

	// Without a qualifier the higher-scored city wins.
	res, err := g.Geocode(ctx, "fredville", GeocodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Features) < 2 || res.Features[0].ID != "fb" {
		t.Fatalf("unqualified: %+v", res.Features)
	}

	// Naming the enclosing country flips the ranking: only the city
	// inside Freedonia is reinforced by a spatially consistent match.
	res, err = g.Geocode(ctx, "fredville freedonia", GeocodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Features) == 0 || res.Features[0].ID != "fa" {
		t.Fatalf("qualified: %+v", res.Features)
	}
}

func TestGeocodeFuzzy(t *testing.T) {
	g := newTestGeocoder(t, kv.NewMemory())
	ctx := context.Background()

	mustIndex(t, g, "city", Feature{
		ID: "ld", Text: "London", Score: 3,
		Geometry: Geometry{Type: GeometryPoint, Point: Position{-0.13, 51.51}},
	})

	// Without fuzzy matching a typo finds nothing.
	res, err := g.Geocode(ctx, "londn", GeocodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Features) != 0 {
		t.Fatalf("typo without fuzzy: %+v", res.Features)
	}

	res, err = g.Geocode(ctx, "londn", GeocodeOptions{FuzzyDistance: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Features) != 1 || res.Features[0].ID != "ld" {
		t.Fatalf("fuzzy: %+v", res.Features)
	}
	if res.Features[0].Relevance >= 1 {
		t.Error("fuzzy match must rank below an exact match")
	}
}

func TestGeocodeCoordinates(t *testing.T) {
	g := newTestGeocoder(t, kv.NewMemory())
	ctx := context.Background()

	mustIndex(t, g, "city", Feature{
		ID: "fr", Text: "Paris", Score: 5,
		Geometry: Geometry{Type: GeometryPoint, Point: Position{2.35, 48.85}},
	})

	res, err := g.Geocode(ctx, "48.85, 2.35", GeocodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Features) != 1 || res.Features[0].ID != "fr" {
		t.Fatalf("coordinate query: %+v", res.Features)
	}
}

func TestGeocodeContext(t *testing.T) {
	g := newTestGeocoder(t, kv.NewMemory())
	ctx := context.Background()

	mustIndex(t, g, "country", countryFeature("wk", "Wakanda", 5, 10, -5, 20, 5))
	mustIndex(t, g, "city", Feature{
		ID: "bz", Text: "Birnin Zana", Score: 2,
		Geometry: Geometry{Type: GeometryPoint, Point: Position{15, 0}},
	})

	res, err := g.Geocode(ctx, "birnin zana", GeocodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Features) == 0 || res.Features[0].ID != "bz" {
		t.Fatalf("results: %+v", res.Features)
	}
	found := false
	for _, e := range res.Features[0].Context {
		if e.Layer == "country" && e.ID == "wk" {
			found = true
		}
	}
	if !found {
		t.Errorf("context = %+v, want the enclosing country", res.Features[0].Context)
	}
}

func TestGeocodeBadQuery(t *testing.T) {
	g := newTestGeocoder(t, kv.NewMemory())
	ctx := context.Background()

	tests := []struct {
		name  string
		query string
		opts  GeocodeOptions
	}{
		{"empty", "", GeocodeOptions{}},
		{"whitespace", "   ", GeocodeOptions{}},
		{"punctuation only", "!!!", GeocodeOptions{}},
		{"lat out of range", "91, 10", GeocodeOptions{}},
		{"lng out of range", "45, 181", GeocodeOptions{}},
		{"threshold out of range", "paris", GeocodeOptions{Phrasematch: 1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := g.Geocode(ctx, tt.query, tt.opts); !errors.Is(err, ErrBadQuery) {
				t.Errorf("Geocode(%q) = %v, want ErrBadQuery", tt.query, err)
			}
		})
	}
}

func TestGeocodeNoMatch(t *testing.T) {
	g := newTestGeocoder(t, kv.NewMemory())
	ctx := context.Background()

	mustIndex(t, g, "city", Feature{
		ID: "fr", Text: "Paris", Score: 5,
		Geometry: Geometry{Type: GeometryPoint, Point: Position{2.35, 48.85}},
	})

	res, err := g.Geocode(ctx, "zanzibar", GeocodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Features == nil || len(res.Features) != 0 {
		t.Errorf("no-match result = %+v, want empty non-nil features", res.Features)
	}
}

func TestGeocodeLimit(t *testing.T) {
	g := newTestGeocoder(t, kv.NewMemory())
	ctx := context.Background()

	var feats []Feature
	for i := 0; i < 5; i++ {
		feats = append(feats, Feature{
			ID: string(rune('a' + i)), Text: "Springfield", Score: float64(i),
			Geometry: Geometry{Type: GeometryPoint, Point: Position{float64(-120 + i*10), 40}},
		})
	}
	mustIndex(t, g, "city", feats...)

	res, err := g.Geocode(ctx, "springfield", GeocodeOptions{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Features) != 2 {
		t.Errorf("limit 2 returned %d features", len(res.Features))
	}
}

func TestReverseGeocode(t *testing.T) {
	g := newTestGeocoder(t, kv.NewMemory())
	ctx := context.Background()

	mustIndex(t, g, "city", Feature{
		ID: "atx", Text: "Austin", Score: 4,
		Geometry: Geometry{Type: GeometryPoint, Point: Position{-97.74306, 30.26715}},
	})

	res, err := g.ReverseGeocode(ctx, 30.27, -97.74, GeocodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Features) != 1 || res.Features[0].ID != "atx" {
		t.Fatalf("reverse: %+v", res.Features)
	}
	if res.Features[0].Properties.Layer != "city" {
		t.Errorf("layer = %s", res.Features[0].Properties.Layer)
	}

	// Open ocean: an empty result, not an error.
	res, err = g.ReverseGeocode(ctx, -40, -150, GeocodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Features == nil || len(res.Features) != 0 {
		t.Errorf("ocean reverse = %+v, want empty non-nil features", res.Features)
	}

	if _, err := g.ReverseGeocode(ctx, math.NaN(), 0, GeocodeOptions{}); !errors.Is(err, ErrBadQuery) {
		t.Errorf("NaN latitude = %v, want ErrBadQuery", err)
	}
}

func TestReverseGeocodeMostSpecific(t *testing.T) {
	g := newTestGeocoder(t, kv.NewMemory())
	ctx := context.Background()

	mustIndex(t, g, "country", countryFeature("wk", "Wakanda", 5, 10, -5, 20, 5))
	mustIndex(t, g, "city", Feature{
		ID: "bz", Text: "Birnin Zana", Score: 2,
		Geometry: Geometry{Type: GeometryPoint, Point: Position{15, 0}},
	})

	res, err := g.ReverseGeocode(ctx, 0.001, 15.001, GeocodeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Features) != 1 || res.Features[0].ID != "bz" {
		t.Fatalf("reverse = %+v, want the most specific layer's feature", res.Features)
	}
	found := false
	for _, e := range res.Features[0].Context {
		if e.Layer == "country" && e.ID == "wk" {
			found = true
		}
	}
	if !found {
		t.Errorf("context = %+v, want the enclosing country", res.Features[0].Context)
	}
}

func TestInterpolateAddress(t *testing.T) {
	line := []Position{{0, 0}, {10, 0}}
	f := Feature{
		Geometry:       Geometry{Type: GeometryLine, Line: line},
		AddressNumbers: []float64{100, 200},
	}

	tests := []struct {
		num     float64
		wantLon float64
	}{
		{100, 0},
		{150, 5},
		{200, 10},
		{50, 0},   // below range clamps to start
		{999, 10}, // above range clamps to end
	}
	for _, tt := range tests {
		pt, ok := interpolateAddress(f, tt.num)
		if !ok {
			t.Fatalf("interpolateAddress(%v) not ok", tt.num)
		}
		if math.Abs(pt.Lon()-tt.wantLon) > 1e-9 {
			t.Errorf("interpolateAddress(%v) lon = %v, want %v", tt.num, pt.Lon(), tt.wantLon)
		}
	}

	if _, ok := interpolateAddress(Feature{Geometry: Geometry{Type: GeometryPoint}}, 5); ok {
		t.Error("interpolation requires line geometry")
	}
}
