// Package objection matches transcript text against a catalog of known
// objections without calling an LLM.
//
// Each trigger phrase is scored against the text: 1.0 when the folded phrase
// is a substring of the folded text, otherwise the fraction of the phrase's
// words that appear anywhere in the text. The best (objection, phrase) pair
// over the whole catalog wins; earlier entries win ties.
package objection

import (
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/salescoach/internal/textnorm"
	"github.com/MrWong99/salescoach/pkg/types"
)

const (
	// DefaultThreshold is the score a match must exceed to be reported.
	DefaultThreshold = 0.4

	// phoneticMinLen is the shortest word compared phonetically. Shorter
	// words collide too often.
	phoneticMinLen = 4

	jaroWinklerMin = 0.92
)

// Match is the best-scoring objection for a piece of text.
type Match struct {
	Objection types.Objection
	Phrase    string
	Score     float64
}

// Matcher scores text against objection catalogs. It is safe for concurrent use.
type Matcher struct {
	threshold float64
	phonetic  bool
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithThreshold overrides DefaultThreshold.
func WithThreshold(v float64) Option {
	return func(m *Matcher) { m.threshold = v }
}

// WithPhonetic lets a phrase word count as present when a text word sounds the
// same (Double Metaphone) or is a near spelling (Jaro-Winkler). Useful when the
// transcriber mangles product or competitor names.
func WithPhonetic(enabled bool) Option {
	return func(m *Matcher) { m.phonetic = enabled }
}

// New returns a Matcher.
func New(opts ...Option) *Matcher {
	m := &Matcher{threshold: DefaultThreshold}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match returns the best objection for text, or false when no phrase scores
// above the threshold.
func (m *Matcher) Match(text string, catalog []types.Objection) (Match, bool) {
	folded := textnorm.Fold(text)
	if folded == "" {
		return Match{}, false
	}
	words := textnorm.Words(folded)

	var best Match
	for _, obj := range catalog {
		for _, phrase := range obj.Triggers {
			s := m.score(folded, words, textnorm.Fold(phrase))
			if s > best.Score {
				best = Match{Objection: obj, Phrase: phrase, Score: s}
			}
		}
	}
	if best.Score <= m.threshold {
		return Match{}, false
	}
	return best, true
}

// Score returns the score of phrase against text without phonetic tolerance.
func Score(text, phrase string) float64 {
	folded := textnorm.Fold(text)
	return (&Matcher{}).score(folded, textnorm.Words(folded), textnorm.Fold(phrase))
}

func (m *Matcher) score(folded string, words []string, phrase string) float64 {
	if phrase == "" {
		return 0
	}
	if strings.Contains(folded, phrase) {
		return 1.0
	}
	pw := textnorm.Words(phrase)
	present := 0
	for _, w := range pw {
		if m.containsWord(words, w) {
			present++
		}
	}
	return float64(present) / float64(len(pw))
}

func (m *Matcher) containsWord(words []string, w string) bool {
	for _, tw := range words {
		if tw == w {
			return true
		}
	}
	if !m.phonetic || len([]rune(w)) < phoneticMinLen {
		return false
	}
	wp, ws := matchr.DoubleMetaphone(w)
	for _, tw := range words {
		if len([]rune(tw)) < phoneticMinLen {
			continue
		}
		tp, ts := matchr.DoubleMetaphone(tw)
		if wp != "" && (wp == tp || (ws != "" && ws == ts)) {
			return true
		}
		if matchr.JaroWinkler(w, tw, false) >= jaroWinklerMin {
			return true
		}
	}
	return false
}
