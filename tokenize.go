package carta

import (
	"sort"
	"strings"
	"unicode"

	"github.com/kljensen/snowball"
)

// Tokenizer turns free text into a canonical ordered token sequence.
// Normalization lowercases, strips insignificant punctuation, splits on
// whitespace and applies whole-token replacement rules (longest rule
// first, so multi-word abbreviations are substituted as units, never as
// substrings). Normalizing already-normalized text returns it
// unchanged.
type Tokenizer struct {
	rules []replacement
	stem  bool
	lang  string
}

// replacement is one token-replacement rule. Both sides are stored as
// token sequences so "st nw" -> "street northwest" works as a unit.
type replacement struct {
	from []string
	to   []string
}

// TokenizerOption configures a Tokenizer.
type TokenizerOption func(*Tokenizer)

// WithStemming enables snowball stemming of normalized tokens.
// lang is a snowball language name, e.g. "english".
func WithStemming(lang string) TokenizerOption {
	return func(t *Tokenizer) {
		t.stem = true
		t.lang = lang
	}
}

// NewTokenizer builds a Tokenizer from replacement rules. Rule keys and
// values are normalized with the same lowercase/split pass applied to
// input text, so rules can be written in any case. Replacement targets
// must not themselves be rule keys or normalization would not be
// idempotent.
func NewTokenizer(rules map[string]string, opts ...TokenizerOption) *Tokenizer {
	t := &Tokenizer{}
	for _, opt := range opts {
		opt(t)
	}
	for from, to := range rules {
		f := splitTokens(from)
		if len(f) == 0 {
			continue
		}
		t.rules = append(t.rules, replacement{from: f, to: splitTokens(to)})
	}
	// Longest source sequence first so "st nw" wins over "st". Ties
	// broken lexically for deterministic rule order.
	sort.Slice(t.rules, func(i, j int) bool {
		if len(t.rules[i].from) != len(t.rules[j].from) {
			return len(t.rules[i].from) > len(t.rules[j].from)
		}
		return strings.Join(t.rules[i].from, " ") < strings.Join(t.rules[j].from, " ")
	})
	return t
}

// Tokenize normalizes raw text into tokens. Returns ErrEmptyText when
// nothing survives normalization; callers skip such features rather
// than index them.
func (t *Tokenizer) Tokenize(raw string) ([]string, error) {
	tokens := splitTokens(raw)
	tokens = t.applyRules(tokens)
	if t.stem {
		for i, tok := range tokens {
			if stemmed, err := snowball.Stem(tok, t.lang, true); err == nil && stemmed != "" {
				tokens[i] = stemmed
			}
		}
	}
	if len(tokens) == 0 {
		return nil, ErrEmptyText
	}
	return tokens, nil
}

// applyRules runs a single longest-match replacement pass over the
// token sequence. Matching is whole-token: "nw" never fires inside
// "norwalk".
func (t *Tokenizer) applyRules(tokens []string) []string {
	if len(t.rules) == 0 {
		return tokens
	}
	out := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); {
		matched := false
		for _, r := range t.rules {
			if matchesAt(tokens, i, r.from) {
				out = append(out, r.to...)
				i += len(r.from)
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, tokens[i])
			i++
		}
	}
	return out
}

func matchesAt(tokens []string, i int, from []string) bool {
	if i+len(from) > len(tokens) {
		return false
	}
	for j, f := range from {
		if tokens[i+j] != f {
			return false
		}
	}
	return true
}

// splitTokens lowercases and splits text on anything that is not a
// letter or digit. '&' is significant for intersection queries and is
// normalized to the token "and" before splitting. Unicode-aware so
// international names survive normalization intact.
func splitTokens(raw string) []string {
	raw = strings.ToLower(raw)
	raw = strings.ReplaceAll(raw, "&", " and ")
	return strings.FieldsFunc(raw, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
