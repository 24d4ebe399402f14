// Package scoring provides the deterministic primitives used to build the
// prefix indexes: autocomplete prefix expansion, phrase cleaning, and the
// base-27 rank that orders members of a sorted set.
package scoring

import (
	"iter"
	"math/big"
	"regexp"
	"strings"
)

// DefaultMaxSize is the number of leading characters ScoreKey considers.
const DefaultMaxSize = 20

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "of": {}, "the": {},
}

var disallowed = regexp.MustCompile(`[^a-z0-9_\-\s]`)

var (
	base = big.NewInt(27)

	// Offset is 27^20, the band separating key scores from title scores.
	Offset = new(big.Int).Exp(base, big.NewInt(DefaultMaxSize), nil)

	// phraseKeyScore ranks a bare issue key below every title word in the
	// phrase-search sets.
	phraseKeyScore = new(big.Int).Mul(Offset, Offset)
)

// ExpandPrefixes yields every non-empty proper prefix of s in increasing
// length, followed by s itself. The sequence is restartable.
func ExpandPrefixes(s string) iter.Seq[string] {
	return func(yield func(string) bool) {
		for i := 1; i < len(s); i++ {
			if !yield(s[:i]) {
				return
			}
		}
		if s != "" {
			yield(s)
		}
	}
}

// Prefixes collects ExpandPrefixes into a slice.
func Prefixes(s string) []string {
	out := make([]string, 0, len(s))
	for p := range ExpandPrefixes(s) {
		out = append(out, p)
	}
	return out
}

// CleanPhrase lower-cases the phrase, strips everything outside
// [a-z0-9_- ] and whitespace, splits on whitespace and drops stop-words.
func CleanPhrase(phrase string) []string {
	phrase = disallowed.ReplaceAllString(strings.ToLower(phrase), "")
	fields := strings.Fields(phrase)
	words := make([]string, 0, len(fields))
	for _, w := range fields {
		if _, stop := stopWords[w]; stop {
			continue
		}
		words = append(words, w)
	}
	return words
}

// CreateKey joins the cleaned words of phrase with single spaces.
func CreateKey(phrase string) string {
	return strings.Join(CleanPhrase(phrase), " ")
}

// ScoreKey treats the first maxSize bytes of s as base-27 digits, most
// significant first. Letters a-z map to 2..27; any other byte, and every
// position past the end of s, counts as 1.
func ScoreKey(s string, maxSize int) *big.Int {
	score := new(big.Int)
	weight := new(big.Int)
	term := new(big.Int)
	for i := 0; i < maxSize; i++ {
		digit := int64(1)
		if i < len(s) {
			c := int64(s[i]) - int64('a'-2)
			if c >= 2 && c <= 27 {
				digit = c
			}
		}
		weight.Exp(base, big.NewInt(int64(maxSize-i)), nil)
		term.Mul(weight, big.NewInt(digit))
		score.Add(score, term)
	}
	return score
}

// KeyScore is the score of the i-th prefix of an issue key in its key-search
// set.
func KeyScore(i int) float64 {
	return Float(new(big.Int).Sub(Offset, big.NewInt(int64(i))))
}

// PhraseKeyScore is the score of an issue key prefix in a phrase-search set.
func PhraseKeyScore() float64 {
	return Float(phraseKeyScore)
}

// WordScore scores the word at position among the cleaned words of a title.
// titleScore is ScoreKey of the joined cleaned title.
func WordScore(word string, position int, titleScore *big.Int) float64 {
	s := ScoreKey(word, DefaultMaxSize)
	s.Add(s, Offset)
	s.Mul(s, big.NewInt(int64(position+1)))
	s.Add(s, titleScore)
	return Float(s)
}

// Float converts an exact rank into the double a sorted set stores.
func Float(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
