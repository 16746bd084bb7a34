package carta

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	geohash "github.com/TomiHiltunen/geohash-golang"
	"github.com/agnivade/levenshtein"
	"github.com/golang/geo/s2"
)

const (
	// DefaultPhrasematch is the permissive default match-ratio
	// threshold. A caller-supplied higher threshold (e.g. 0.9) requires
	// near-exact full-text coverage, which is why the same query can
	// return results at the default and none at 0.9.
	DefaultPhrasematch = 0.33

	// DefaultResultLimit caps returned features.
	DefaultResultLimit = 10
)

// maxFuzzyDistance caps FuzzyDistance to keep vocabulary scans from
// degenerating into expensive high-edit-distance sweeps.
const maxFuzzyDistance = 3

// maxQueryInputLen truncates excessively long inputs before edit
// distance calculations. 256 chars accommodates the longest real-world
// names.
const maxQueryInputLen = 256

// maxReverseDistance is ~100km in radians on the unit sphere. Reverse
// geocoding returns an empty result when nothing is closer.
const maxReverseDistance = 0.0157

// fuzzyPenalty discounts the match ratio of candidates reached through
// an edit-distance correction rather than an exact token match.
const fuzzyPenalty = 0.85

// geohashPrecision is used for dedupe keys of synthesized points.
const geohashPrecision = 9

// Score blend: how much of the final relevance comes from the
// phrase-match ratio versus the stored relevance weight. The exact
// formula is configurable here and verified only against its
// qualitative effects.
const (
	ratioShare  = 0.75
	weightShare = 0.25
)

// GeocodeOptions configures one query. The zero value uses documented
// defaults.
type GeocodeOptions struct {
	// Phrasematch is the minimum text-match ratio in [0,1] for a
	// candidate to survive. 0 means DefaultPhrasematch.
	Phrasematch float64

	// Limit caps the number of returned features. 0 means
	// DefaultResultLimit.
	Limit int

	// FuzzyDistance enables typo tolerance: maximum edit distance for
	// vocabulary correction (0 = disabled, 1-2 recommended).
	FuzzyDistance int

	// Proximity biases ranking toward features near this position.
	Proximity *Position
}

func (o GeocodeOptions) normalize() (GeocodeOptions, error) {
	if o.Phrasematch < 0 || o.Phrasematch > 1 {
		return o, fmt.Errorf("%w: phrasematch %v outside [0,1]", ErrBadQuery, o.Phrasematch)
	}
	if o.Phrasematch == 0 {
		o.Phrasematch = DefaultPhrasematch
	}
	if o.Limit <= 0 {
		o.Limit = DefaultResultLimit
	}
	if o.FuzzyDistance > maxFuzzyDistance {
		o.FuzzyDistance = maxFuzzyDistance
	}
	return o, nil
}

// Properties carries the descriptive attributes of a result feature.
type Properties struct {
	Text    string   `json:"text"`
	Layer   string   `json:"layer"`
	Score   float64  `json:"score"`
	Center  Position `json:"center"`
	Address *float64 `json:"address,omitempty"`
}

// ResultFeature is one ranked match.
type ResultFeature struct {
	ID         string       `json:"id"`
	Properties Properties   `json:"properties"`
	Geometry   Geometry     `json:"geometry"`
	Relevance  float64      `json:"relevance"`
	Context    ContextStack `json:"context,omitempty"`
}

// Result is the query envelope. No match is an empty feature list,
// never an error.
type Result struct {
	Features []ResultFeature `json:"features"`
}

// Geocode resolves free-form text, or a "lat,lng" coordinate pair,
// into ranked features. Unparseable input is ErrBadQuery; an empty
// candidate set after thresholding is a well-formed empty result.
func (g *Geocoder) Geocode(ctx context.Context, query string, opts GeocodeOptions) (Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Result{}, fmt.Errorf("%w: empty query text", ErrBadQuery)
	}
	if runes := []rune(query); len(runes) > maxQueryInputLen {
		query = string(runes[:maxQueryInputLen])
	}
	opts, err := opts.normalize()
	if err != nil {
		return Result{}, err
	}

	if lat, lng, isCoord, err := parseCoords(query); isCoord || err != nil {
		if err != nil {
			return Result{}, err
		}
		return g.reverse(ctx, lat, lng, opts)
	}
	return g.forward(ctx, query, opts)
}

// ReverseGeocode resolves a coordinate into the most specific covering
// feature and its context stack.
func (g *Geocoder) ReverseGeocode(ctx context.Context, lat, lng float64, opts GeocodeOptions) (Result, error) {
	opts, err := opts.normalize()
	if err != nil {
		return Result{}, err
	}
	if err := validateCoords(lat, lng); err != nil {
		return Result{}, err
	}
	return g.reverse(ctx, lat, lng, opts)
}

// parseCoords detects a "lat,lng" (or "lat lng") coordinate query.
// Returns isCoord=false for anything that is not two numbers; two
// numbers outside valid ranges are ErrBadQuery.
func parseCoords(s string) (lat, lng float64, isCoord bool, err error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	if len(fields) != 2 {
		return 0, 0, false, nil
	}
	lat, errLat := strconv.ParseFloat(fields[0], 64)
	lng, errLng := strconv.ParseFloat(fields[1], 64)
	if errLat != nil || errLng != nil {
		return 0, 0, false, nil
	}
	if err := validateCoords(lat, lng); err != nil {
		return 0, 0, true, err
	}
	return lat, lng, true, nil
}

func validateCoords(lat, lng float64) error {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return fmt.Errorf("%w: non-finite coordinate", ErrBadQuery)
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return fmt.Errorf("%w: coordinate %v,%v out of range", ErrBadQuery, lat, lng)
	}
	return nil
}

// span is a contiguous range of query token positions.
type span struct {
	start, length int
}

func (s span) mask() uint64 {
	var m uint64
	for i := s.start; i < s.start+s.length && i < 64; i++ {
		m |= 1 << uint(i)
	}
	return m
}

// cand is one phrase-matched feature candidate.
type cand struct {
	l       *layer
	id      string
	score   float64
	weight  float64
	textLen int
	sp      span
	cells   []s2.CellID
	fuzzy   bool
	qtokens []string
}

// layerQuery is the per-layer view of the parsed query.
type layerQuery struct {
	l        *layer
	tokens   []string
	houseNum *float64
	numPos   int
	conjPos  int // index of "and", -1 if absent
}

// forward runs the text-query state machine: phrasematch per layer,
// spatial intersection across layers, address/intersection resolution,
// scoring, context assembly.
func (g *Geocoder) forward(ctx context.Context, query string, opts GeocodeOptions) (Result, error) {
	queries, err := g.parseLayerQueries(ctx, query, opts)
	if err != nil {
		return Result{}, err
	}

	cands, err := g.collectCandidates(ctx, queries, opts)
	if err != nil {
		return Result{}, err
	}

	scored, err := g.scoreCandidates(ctx, queries, cands, opts)
	if err != nil {
		return Result{}, err
	}

	synth, err := g.synthesizeIntersections(ctx, queries, opts)
	if err != nil {
		return Result{}, err
	}
	scored = append(scored, synth...)

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Relevance != scored[j].Relevance {
			return scored[i].Relevance > scored[j].Relevance
		}
		if scored[i].Properties.Score != scored[j].Properties.Score {
			return scored[i].Properties.Score > scored[j].Properties.Score
		}
		return scored[i].ID < scored[j].ID
	})

	return g.assemble(ctx, scored, opts)
}

// parseLayerQueries tokenizes the query once per layer (layers may
// carry different replacement rules) and extracts the house number and
// conjunction position. ErrBadQuery if no layer yields tokens.
func (g *Geocoder) parseLayerQueries(ctx context.Context, query string, opts GeocodeOptions) ([]layerQuery, error) {
	var out []layerQuery
	for _, l := range g.layers {
		tokens, err := l.tok.Tokenize(query)
		if err != nil {
			continue
		}
		lq := layerQuery{l: l, tokens: tokens, conjPos: -1}
		for i, t := range tokens {
			if lq.houseNum == nil {
				if n, err := strconv.ParseFloat(t, 64); err == nil {
					lq.houseNum = &n
					lq.numPos = i
				}
			}
			if lq.conjPos < 0 && t == conjunctionToken && i > 0 && i < len(tokens)-1 {
				lq.conjPos = i
			}
		}
		out = append(out, lq)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: query normalizes to no tokens", ErrBadQuery)
	}
	return out, nil
}

// collectCandidates matches every contiguous query token subsequence
// against each layer's term store, longest subsequences first, then
// retries with fuzzy-corrected tokens when enabled.
func (g *Geocoder) collectCandidates(ctx context.Context, queries []layerQuery, opts GeocodeOptions) ([]*cand, error) {
	byKey := make(map[string]*cand)
	var order []*cand

	add := func(lq layerQuery, tokens []string, fuzzy bool) error {
		limit := len(tokens)
		if limit > MaxPhraseTokens {
			limit = MaxPhraseTokens
		}
		for length := limit; length >= 1; length-- {
			for start := 0; start+length <= len(tokens); start++ {
				sub := tokens[start : start+length]
				entries, err := lq.l.store.gridBucket(ctx, hashPhrase(sub))
				if err != nil {
					return err
				}
				for _, e := range entries {
					key := lq.l.cfg.Name + "\x00" + e.FeatureID
					c, ok := byKey[key]
					if !ok {
						c = &cand{
							l:       lq.l,
							id:      e.FeatureID,
							score:   e.Score,
							weight:  e.Weight,
							textLen: int(e.TextLen),
							sp:      span{start: start, length: length},
							fuzzy:   fuzzy,
							qtokens: lq.tokens,
						}
						byKey[key] = c
						order = append(order, c)
					}
					if length > c.sp.length {
						c.sp = span{start: start, length: length}
						c.textLen = int(e.TextLen)
						c.fuzzy = fuzzy
					}
					if e.Weight > c.weight {
						c.weight = e.Weight
					}
					c.cells = append(c.cells, s2.CellID(e.Cell))
				}
			}
		}
		return nil
	}

	for _, lq := range queries {
		if err := add(lq, lq.tokens, false); err != nil {
			return nil, err
		}
		if opts.FuzzyDistance > 0 {
			corrected, changed, err := g.fuzzyCorrect(ctx, lq.l, lq.tokens, opts.FuzzyDistance)
			if err != nil {
				return nil, err
			}
			if changed {
				if err := add(lq, corrected, true); err != nil {
					return nil, err
				}
			}
		}
	}
	return order, nil
}

// fuzzyCorrect replaces unknown query tokens with the closest layer
// vocabulary term within maxDist edits. Deterministic: smallest
// distance wins, ties broken lexically.
func (g *Geocoder) fuzzyCorrect(ctx context.Context, l *layer, tokens []string, maxDist int) ([]string, bool, error) {
	corrected := make([]string, len(tokens))
	copy(corrected, tokens)
	changed := false

	for i, tok := range tokens {
		if len(tok) <= 2 {
			continue
		}
		known, err := l.store.hasTerm(ctx, tok)
		if err != nil {
			return nil, false, err
		}
		if known {
			continue
		}
		best := ""
		bestDist := maxDist + 1
		err = l.store.forEachTerm(ctx, func(term string) error {
			d := levenshtein.ComputeDistance(tok, term)
			if d < bestDist || (d == bestDist && best != "" && term < best) {
				if d <= maxDist {
					best = term
					bestDist = d
				}
			}
			return nil
		})
		if err != nil {
			return nil, false, err
		}
		if best != "" {
			corrected[i] = best
			changed = true
		}
	}
	return corrected, changed, nil
}

// scoreCandidates computes each candidate's match ratio and relevance.
// Candidates from different layers only reinforce each other when
// their covering cells intersect, which is what keeps a street match
// from pairing with a same-named region on the other side of the
// world.
func (g *Geocoder) scoreCandidates(ctx context.Context, queries []layerQuery, cands []*cand, opts GeocodeOptions) ([]ResultFeature, error) {
	maxWeight := 0.0
	for _, c := range cands {
		if c.weight > maxWeight {
			maxWeight = c.weight
		}
	}
	if maxWeight == 0 {
		maxWeight = 1
	}

	byLayer := make(map[string][]*cand)
	for _, c := range cands {
		byLayer[c.l.cfg.Name] = append(byLayer[c.l.cfg.Name], c)
	}
	queryByLayer := make(map[string]layerQuery, len(queries))
	for _, lq := range queries {
		queryByLayer[lq.l.cfg.Name] = lq
	}

	var out []ResultFeature
	for _, c := range cands {
		payload, ok, err := c.l.store.getFeature(ctx, c.id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		mask := c.sp.mask()
		covered := c.sp.length
		demoted := false
		for _, l2 := range g.layers {
			if l2 == c.l {
				continue
			}
			if s := bestSupport(byLayer[l2.cfg.Name], mask, c.cells); s != nil {
				covered += s.sp.length
				mask |= s.sp.mask()
				if l2.cfg.Rank > c.l.cfg.Rank {
					demoted = true
				}
			}
		}
		// When a combination spans layers, the most specific member is
		// the primary result; the general one appears in its context
		// stack instead ("paris usa" returns the city, not the country).
		if demoted {
			continue
		}

		lq := queryByLayer[c.l.cfg.Name]
		var addrPt *Position
		var addrNum *float64
		if lq.houseNum != nil && mask&(1<<uint(lq.numPos)) == 0 && len(payload.AddressNumbers) > 0 {
			if pt, ok := interpolateAddress(payload.Feature, *lq.houseNum); ok {
				covered++
				mask |= 1 << uint(lq.numPos)
				addrPt = &pt
				addrNum = lq.houseNum
			}
		}

		unmatchedText := c.textLen - c.sp.length
		if unmatchedText < 0 {
			unmatchedText = 0
		}
		ratio := float64(covered) / float64(len(c.qtokens)+unmatchedText)
		if c.fuzzy {
			ratio *= fuzzyPenalty
		}
		if ratio < opts.Phrasematch {
			continue
		}

		rel := ratioShare*ratio + weightShare*(c.weight/maxWeight)
		center := payload.Center
		geom := payload.Geometry
		if addrPt != nil {
			center = *addrPt
			geom = Geometry{Type: GeometryPoint, Point: *addrPt}
		}
		rel = applyProximity(rel, center, opts.Proximity)

		out = append(out, ResultFeature{
			ID: c.id,
			Properties: Properties{
				Text:    payload.Text,
				Layer:   c.l.cfg.Name,
				Score:   payload.Score,
				Center:  center,
				Address: addrNum,
			},
			Geometry:  geom,
			Relevance: rel,
		})
	}
	return out, nil
}

// bestSupport finds the strongest candidate in a layer whose token
// span is disjoint from the accumulated mask and whose cells intersect
// the primary candidate's cells: longest span, then weight, then id.
func bestSupport(cands []*cand, mask uint64, cells []s2.CellID) *cand {
	var best *cand
	for _, s := range cands {
		if s.sp.mask()&mask != 0 {
			continue
		}
		if !cellsIntersect(cells, s.cells) {
			continue
		}
		if best == nil ||
			s.sp.length > best.sp.length ||
			(s.sp.length == best.sp.length && s.weight > best.weight) ||
			(s.sp.length == best.sp.length && s.weight == best.weight && s.id < best.id) {
			best = s
		}
	}
	return best
}

func applyProximity(rel float64, center Position, prox *Position) float64 {
	if prox == nil {
		return rel
	}
	a := s2.LatLngFromDegrees(center.Lat(), center.Lon())
	b := s2.LatLngFromDegrees(prox.Lat(), prox.Lon())
	dist := a.Distance(b).Radians()
	// Mild multiplicative bias: never reorders a strong text match far
	// away below a weak one nearby by more than the bias share.
	return rel * (0.85 + 0.15/(1+dist/maxReverseDistance))
}

// synthesizeIntersections handles "X and Y" street-crossing queries
// that no single indexed feature answers: both street phrases must
// resolve to features sharing a covering cell, and a virtual point is
// synthesized at the shared location.
func (g *Geocoder) synthesizeIntersections(ctx context.Context, queries []layerQuery, opts GeocodeOptions) ([]ResultFeature, error) {
	var out []ResultFeature
	for _, lq := range queries {
		if lq.conjPos < 0 {
			continue
		}
		left := lq.tokens[:lq.conjPos]
		right := lq.tokens[lq.conjPos+1:]

		leftFeats, err := fullMatches(ctx, lq.l, left)
		if err != nil {
			return nil, err
		}
		rightFeats, err := fullMatches(ctx, lq.l, right)
		if err != nil {
			return nil, err
		}

		for aID, aCells := range leftFeats {
			for bID, bCells := range rightFeats {
				if aID == bID {
					continue
				}
				cell, ok := sharedCell(aCells, bCells)
				if !ok {
					continue
				}
				aPayload, okA, err := lq.l.store.getFeature(ctx, aID)
				if err != nil {
					return nil, err
				}
				bPayload, okB, err := lq.l.store.getFeature(ctx, bID)
				if err != nil {
					return nil, err
				}
				if !okA || !okB {
					continue
				}
				center := cellCenter(cell)
				rel := applyProximity(ratioShare+weightShare, center, opts.Proximity)
				out = append(out, ResultFeature{
					ID: aID + "+" + bID,
					Properties: Properties{
						Text:   aPayload.Text + " and " + bPayload.Text,
						Layer:  lq.l.cfg.Name,
						Score:  (aPayload.Score + bPayload.Score) / 2,
						Center: center,
					},
					Geometry:  Geometry{Type: GeometryPoint, Point: center},
					Relevance: rel,
				})
			}
		}
	}
	return out, nil
}

// fullMatches returns features whose complete name matches the token
// sequence, mapped to their covering cells.
func fullMatches(ctx context.Context, l *layer, tokens []string) (map[string][]s2.CellID, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	entries, err := l.store.gridBucket(ctx, hashPhrase(tokens))
	if err != nil {
		return nil, err
	}
	out := make(map[string][]s2.CellID)
	for _, e := range entries {
		if int(e.TextLen) != len(tokens) {
			continue
		}
		out[e.FeatureID] = append(out[e.FeatureID], s2.CellID(e.Cell))
	}
	return out, nil
}

func cellCenter(cell s2.CellID) Position {
	ll := cell.LatLng()
	return Position{ll.Lng.Degrees(), ll.Lat.Degrees()}
}

// interpolateAddress places an address number along a street's line
// geometry using its ordered address-number sequence: the nearest
// bracketing pair picks the segment share, linear along arc length.
// Numbers outside the sequence clamp to its ends.
func interpolateAddress(f Feature, num float64) (Position, bool) {
	line := f.Geometry.Line
	if f.Geometry.Type == GeometryMultiLine && len(f.Geometry.MultiLine) > 0 {
		line = f.Geometry.MultiLine[0]
	}
	nums := f.AddressNumbers
	if len(line) < 2 || len(nums) == 0 {
		return Position{}, false
	}
	if len(nums) == 1 {
		return pointAlongLine(line, 0.5), true
	}

	t := -1.0
	for i := 0; i+1 < len(nums); i++ {
		a, b := nums[i], nums[i+1]
		if (num-a)*(num-b) <= 0 {
			frac := 0.5
			if b != a {
				frac = (num - a) / (b - a)
			}
			t = (float64(i) + frac) / float64(len(nums)-1)
			break
		}
	}
	if t < 0 {
		// Outside the sequence: clamp to the nearer end.
		if math.Abs(num-nums[0]) <= math.Abs(num-nums[len(nums)-1]) {
			t = 0
		} else {
			t = 1
		}
	}
	return pointAlongLine(line, t), true
}

// pointAlongLine walks the polyline to the point at fraction t of its
// total length. Planar interpolation is fine at street scale.
func pointAlongLine(line []Position, t float64) Position {
	if t <= 0 {
		return line[0]
	}
	if t >= 1 {
		return line[len(line)-1]
	}
	total := 0.0
	segs := make([]float64, len(line)-1)
	for i := 0; i+1 < len(line); i++ {
		d := math.Hypot(line[i+1].Lon()-line[i].Lon(), line[i+1].Lat()-line[i].Lat())
		segs[i] = d
		total += d
	}
	if total == 0 {
		return line[0]
	}
	target := t * total
	for i, d := range segs {
		if target <= d {
			frac := 0.0
			if d > 0 {
				frac = target / d
			}
			return Position{
				line[i].Lon() + frac*(line[i+1].Lon()-line[i].Lon()),
				line[i].Lat() + frac*(line[i+1].Lat()-line[i].Lat()),
			}
		}
		target -= d
	}
	return line[len(line)-1]
}

// assemble attaches context stacks, collapses duplicate stacks keeping
// the highest-ranked source, and applies the result limit.
func (g *Geocoder) assemble(ctx context.Context, scored []ResultFeature, opts GeocodeOptions) (Result, error) {
	res := Result{Features: []ResultFeature{}}
	seen := make(map[string]bool)
	for _, rf := range scored {
		stack, err := g.resolver.Resolve(ctx, rf.Properties.Center)
		if err != nil {
			return Result{}, err
		}
		key := stack.key()
		if key == "" {
			key = rf.Properties.Layer + "\x00" + rf.ID + "\x00" +
				geohash.EncodeWithPrecision(rf.Properties.Center.Lat(), rf.Properties.Center.Lon(), geohashPrecision)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		rf.Context = stack
		res.Features = append(res.Features, rf)
		if len(res.Features) >= opts.Limit {
			break
		}
	}
	return res, nil
}

// reverse is the coordinate branch: walk layers most specific first,
// look up the point's cell neighborhood, pick the nearest covering
// feature under the distance cutoff.
func (g *Geocoder) reverse(ctx context.Context, lat, lng float64, opts GeocodeOptions) (Result, error) {
	pt := Position{lng, lat}
	qll := s2.LatLngFromDegrees(lat, lng)

	for i := len(g.layers) - 1; i >= 0; i-- {
		l := g.layers[i]
		refs, err := g.reverseRefs(ctx, l, pt)
		if err != nil {
			return Result{}, err
		}
		type scoredRef struct {
			ref  cellRef
			dist float64
		}
		var candidates []scoredRef
		for _, ref := range refs {
			payload, ok, err := l.store.getFeature(ctx, ref.FeatureID)
			if err != nil {
				return Result{}, err
			}
			if !ok {
				continue
			}
			dist := 0.0
			if !ref.BBox.Contains(pt) {
				cll := s2.LatLngFromDegrees(payload.Center.Lat(), payload.Center.Lon())
				dist = qll.Distance(cll).Radians()
			}
			if dist > maxReverseDistance {
				continue
			}
			candidates = append(candidates, scoredRef{ref: ref, dist: dist})
		}
		if len(candidates) == 0 {
			continue
		}
		sort.SliceStable(candidates, func(a, b int) bool {
			if candidates[a].dist != candidates[b].dist {
				return candidates[a].dist < candidates[b].dist
			}
			if candidates[a].ref.Score != candidates[b].ref.Score {
				return candidates[a].ref.Score > candidates[b].ref.Score
			}
			return candidates[a].ref.FeatureID < candidates[b].ref.FeatureID
		})

		best := candidates[0]
		payload, ok, err := l.store.getFeature(ctx, best.ref.FeatureID)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			continue
		}
		stack, err := g.resolver.Resolve(ctx, pt)
		if err != nil {
			return Result{}, err
		}
		rel := 1 / (1 + best.dist/maxReverseDistance)
		return Result{Features: []ResultFeature{{
			ID: best.ref.FeatureID,
			Properties: Properties{
				Text:   payload.Text,
				Layer:  l.cfg.Name,
				Score:  payload.Score,
				Center: payload.Center,
			},
			Geometry:  payload.Geometry,
			Relevance: rel,
			Context:   stack,
		}}}, nil
	}

	// No covering feature at any layer: empty result, not an error.
	return Result{Features: []ResultFeature{}}, nil
}

// reverseRefs gathers cell bucket entries for the point's parent chain
// plus the immediate cell neighborhood, so near-boundary features in
// adjacent cells are still found.
func (g *Geocoder) reverseRefs(ctx context.Context, l *layer, pt Position) ([]cellRef, error) {
	leaf := cellForPoint(pt, l.cfg.MaxZoom)

	cells := []s2.CellID{}
	for level := leaf.Level(); level >= 0; level-- {
		cells = append(cells, leaf.Parent(level))
	}
	cells = append(cells, cellNeighborhood(leaf)...)

	seenCell := make(map[s2.CellID]bool)
	seenFeat := make(map[string]bool)
	var refs []cellRef
	for _, cell := range cells {
		if seenCell[cell] {
			continue
		}
		seenCell[cell] = true
		bucket, err := l.store.cellBucket(ctx, cell)
		if err != nil {
			return nil, err
		}
		for _, ref := range bucket {
			if seenFeat[ref.FeatureID] {
				continue
			}
			seenFeat[ref.FeatureID] = true
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

// cellNeighborhood returns a cell's edge neighbors plus the corner
// cells reachable through them.
func cellNeighborhood(cell s2.CellID) []s2.CellID {
	var cells []s2.CellID
	seen := map[s2.CellID]bool{cell: true}

	edges := cell.EdgeNeighbors()
	for _, e := range edges {
		if !seen[e] {
			seen[e] = true
			cells = append(cells, e)
		}
	}
	for _, e := range edges {
		for _, corner := range e.EdgeNeighbors() {
			if !seen[corner] {
				seen[corner] = true
				cells = append(cells, corner)
			}
		}
	}
	return cells
}
