package carta

import (
	"math"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Bounds on phrase fan-out per feature. One feature may emit tens of
// grid entries (phrases x cells); these constants make index size and
// build latency a function of configuration, not of input shape.
const (
	// MaxPhraseTokens caps the token count of any indexed phrase.
	MaxPhraseTokens = 10

	// MaxPhraseVariants caps the number of distinct phrases emitted for
	// one feature across all name variants, subphrases and conjunction
	// reorderings.
	MaxPhraseVariants = 24
)

// conjunctionToken joins the two sides of an intersection name
// ("9th street northwest and 15th street northwest").
const conjunctionToken = "and"

// TermFrequencies maps a token to its corpus frequency. Supplied by
// the loader so rare tokens can be weighted above ubiquitous ones
// ("street") at ranking time.
type TermFrequencies map[string]float64

// idf returns an inverse-frequency weight in (0, 1]. Unknown tokens
// weigh 1.
func (tf TermFrequencies) idf(token string) float64 {
	if tf == nil {
		return 1
	}
	freq := tf[token]
	if freq <= 0 {
		return 1
	}
	return 1 / (1 + math.Log(1+freq))
}

func (tf TermFrequencies) idfMean(tokens []string) float64 {
	if len(tokens) == 0 {
		return 1
	}
	sum := 0.0
	for _, t := range tokens {
		sum += tf.idf(t)
	}
	return sum / float64(len(tokens))
}

// GridEntry is one index record: a phrase hash observed in a cell for
// a feature. Created exclusively by BuildEntries and immutable once
// written; many entries reference the same feature.
type GridEntry struct {
	PhraseHash uint64  `msgpack:"-"`
	Cell       uint64  `msgpack:"c"`
	FeatureID  string  `msgpack:"f"`
	Score      float64 `msgpack:"s"`
	Weight     float64 `msgpack:"w"`
	PhraseLen  uint16  `msgpack:"pl"`
	TextLen    uint16  `msgpack:"tl"`
}

// phrase is an ordered token subsequence drawn from a feature's text,
// paired with the token length of the full name it came from.
type phrase struct {
	tokens  []string
	textLen int
}

// hashPhrase maps a token sequence to the fixed-width index key.
func hashPhrase(tokens []string) uint64 {
	return xxhash.Sum64String(strings.Join(tokens, " "))
}

// phrasesFor generates the indexable phrases of a standardized
// feature: for each name variant, the full token sequence, every
// contiguous subsequence (longer first, so partial queries can match
// a fragment of a longer official name), and, for conjunction-bearing
// names, the swapped ordering so "a and b" is also retrievable as
// "b and a". Output is capped at MaxPhraseVariants.
func phrasesFor(tokenSets [][]string) []phrase {
	var variants [][]string
	for _, tokens := range tokenSets {
		if len(tokens) > MaxPhraseTokens {
			tokens = tokens[:MaxPhraseTokens]
		}
		variants = append(variants, tokens)
		variants = append(variants, conjunctionSwaps(tokens)...)
	}

	seen := make(map[string]bool)
	var out []phrase
	add := func(tokens []string, textLen int) bool {
		key := strings.Join(tokens, " ")
		if seen[key] {
			return true
		}
		seen[key] = true
		out = append(out, phrase{tokens: tokens, textLen: textLen})
		return len(out) < MaxPhraseVariants
	}

	// Full sequences first: they are the highest-signal phrases and
	// must survive the cap.
	for _, v := range variants {
		if !add(v, len(v)) {
			return out
		}
	}
	// Then subphrases, longest first.
	for _, v := range variants {
		for length := len(v) - 1; length >= 1; length-- {
			for start := 0; start+length <= len(v); start++ {
				if !add(v[start:start+length], len(v)) {
					return out
				}
			}
		}
	}
	return out
}

// conjunctionSwaps returns reorderings of a conjunction-joined name.
// "a and b" yields "b and a"; names with several conjunctions emit one
// swap per conjunction position, bounded by MaxPhraseVariants upstream.
func conjunctionSwaps(tokens []string) [][]string {
	var out [][]string
	for i, t := range tokens {
		if t != conjunctionToken || i == 0 || i == len(tokens)-1 {
			continue
		}
		swapped := make([]string, 0, len(tokens))
		swapped = append(swapped, tokens[i+1:]...)
		swapped = append(swapped, conjunctionToken)
		swapped = append(swapped, tokens[:i]...)
		out = append(out, swapped)
	}
	return out
}

// BuildEntries transforms a standardized feature into grid entries:
// one per (phrase, covering cell). This is the densest fan-out point
// of the engine; the phrase and cell caps keep it bounded. Degenerate
// point features still emit at least one cell entry.
func BuildEntries(sf StandardFeature, freqs TermFrequencies) []GridEntry {
	phrases := phrasesFor(sf.TokenSets)
	entries := make([]GridEntry, 0, len(phrases)*len(sf.Cells))
	for _, p := range phrases {
		h := hashPhrase(p.tokens)
		weight := (sf.Score + 1) * freqs.idfMean(p.tokens)
		for _, cell := range sf.Cells {
			entries = append(entries, GridEntry{
				PhraseHash: h,
				Cell:       uint64(cell),
				FeatureID:  sf.ID,
				Score:      sf.Score,
				Weight:     weight,
				PhraseLen:  uint16(len(p.tokens)),
				TextLen:    uint16(p.textLen),
			})
		}
	}
	return entries
}
