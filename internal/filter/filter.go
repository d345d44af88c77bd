// Package filter decides whether a freshly transcribed fragment should enter
// the call transcript.
//
// Three kinds of fragments are discarded:
//
//   - hallucinations: speech-to-text artifacts such as subtitle credits,
//     punctuation-only output or a short phrase looping;
//   - duplicates: the same channel re-transcribing audio it already produced;
//   - echoes: speech from one channel leaking into the other channel's capture.
//
// The filter is stateless; callers own the recent-fragment window and must
// serialise Check calls per call.
package filter

import (
	"regexp"
	"strings"
	"time"

	"github.com/MrWong99/salescoach/internal/textnorm"
	"github.com/MrWong99/salescoach/pkg/types"
)

// Verdict is the outcome of Check.
type Verdict int

const (
	// Accept means the fragment was appended to the window.
	Accept Verdict = iota

	// Hallucination means the text is a known transcription artifact.
	Hallucination

	// Duplicate means a similar fragment was seen on the same channel.
	Duplicate

	// Echo means a similar fragment was seen on the other channel, so this
	// one is assumed to be the leak.
	Echo
)

// String returns the verdict label used in logs and metrics.
func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Hallucination:
		return "hallucination"
	case Duplicate:
		return "duplicate"
	case Echo:
		return "echo"
	default:
		return "unknown"
	}
}

// Discarded reports whether the fragment was rejected.
func (v Verdict) Discarded() bool { return v != Accept }

const (
	// DefaultWindow is how long fragments stay in the dedup window.
	DefaultWindow = 8 * time.Second

	// DefaultMinLetters is the minimum number of alphabetic characters a
	// fragment needs to be considered speech.
	DefaultMinLetters = 5

	jaccardThreshold = 0.5
	maxLoopPhrase    = 4
	minLoopRepeats   = 3
)

// defaultArtifacts are phrases whisper-family models emit on silence or music.
// They are folded in New and matched as substrings of the folded text.
var defaultArtifacts = []string{
	"Legendas pela comunidade Amara.org",
	"Legendado por",
	"Legenda Adriana Zanotto",
	"amara.org",
	"Obrigado por assistir",
	"Obrigada por assistir",
	"Inscreva-se no canal",
	"Ative o sininho",
	"Transcrição por",
	"Thanks for watching",
	"Thank you for watching",
	"Subtitles by",
	"Please subscribe",
}

var punctuationOnly = regexp.MustCompile(`^[\p{P}\p{S}\s]+$`)

// Filter holds the tunables of the hallucination and dedup checks.
type Filter struct {
	window     time.Duration
	minLetters int
	artifacts  []string
}

// Option configures a Filter.
type Option func(*Filter)

// WithWindow overrides the dedup window length.
func WithWindow(d time.Duration) Option {
	return func(f *Filter) {
		if d > 0 {
			f.window = d
		}
	}
}

// WithArtifacts appends extra artifact phrases to the built-in list.
func WithArtifacts(phrases ...string) Option {
	return func(f *Filter) {
		f.artifacts = append(f.artifacts, textnorm.FoldAll(phrases)...)
	}
}

// New returns a Filter with the default tunables.
func New(opts ...Option) *Filter {
	f := &Filter{
		window:     DefaultWindow,
		minLetters: DefaultMinLetters,
		artifacts:  textnorm.FoldAll(defaultArtifacts),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Window returns the configured dedup window.
func (f *Filter) Window() time.Duration { return f.window }

// IsHallucination reports whether text looks like a transcription artifact
// rather than speech. It does not depend on any call state.
func (f *Filter) IsHallucination(text string) bool {
	trimmed := strings.TrimSpace(text)
	if textnorm.CountLetters(trimmed) < f.minLetters {
		return true
	}
	if punctuationOnly.MatchString(trimmed) {
		return true
	}
	folded := textnorm.Fold(trimmed)
	if _, ok := textnorm.ContainsAny(folded, f.artifacts); ok {
		return true
	}
	return hasLoop(textnorm.Words(folded))
}

// Check runs the hallucination, duplicate and echo checks for text captured on
// role at now. It returns the verdict and the updated window: pruned to the
// last f.Window() and, when accepted, extended with the new fragment. The
// input slice is not modified.
//
// When a similar fragment exists on the other channel the fragment being
// evaluated is always treated as the leak, whichever role it has. Genuinely
// simultaneous identical speech on both channels is therefore dropped on the
// second channel.
func (f *Filter) Check(window []types.RecentFragment, text string, role types.ChannelRole, now time.Time) (Verdict, []types.RecentFragment) {
	if f.IsHallucination(text) {
		return Hallucination, window
	}

	pruned := Prune(window, now, f.window)
	norm := textnorm.Normalize(text)

	for i := len(pruned) - 1; i >= 0; i-- {
		prev := pruned[i]
		if !Similar(norm, textnorm.Normalize(prev.Text)) {
			continue
		}
		if prev.Role == role {
			return Duplicate, pruned
		}
		return Echo, pruned
	}

	return Accept, append(pruned, types.RecentFragment{
		Text:      strings.TrimSpace(text),
		Role:      role,
		Timestamp: now,
	})
}

// Prune returns the fragments of window no older than maxAge relative to now,
// in a newly allocated slice.
func Prune(window []types.RecentFragment, now time.Time, maxAge time.Duration) []types.RecentFragment {
	out := make([]types.RecentFragment, 0, len(window)+1)
	for _, fr := range window {
		if now.Sub(fr.Timestamp) <= maxAge {
			out = append(out, fr)
		}
	}
	return out
}

// Similar reports whether two normalized strings are equal, one contains the
// other, or their word sets overlap by more than half (Jaccard over words
// longer than one character).
func Similar(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if a == b || strings.Contains(a, b) || strings.Contains(b, a) {
		return true
	}
	return Jaccard(a, b) > jaccardThreshold
}

// Jaccard returns |A∩B| / |A∪B| over the words longer than one character of
// two normalized strings.
func Jaccard(a, b string) float64 {
	sa, sb := wordSet(a), wordSet(b)
	if len(sa) == 0 && len(sb) == 0 {
		return 0
	}
	inter := 0
	for w := range sa {
		if _, ok := sb[w]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range textnorm.Words(s) {
		if len([]rune(w)) > 1 {
			set[w] = struct{}{}
		}
	}
	return set
}

// hasLoop reports whether some phrase of up to maxLoopPhrase words occurs at
// least minLoopRepeats times back to back.
func hasLoop(words []string) bool {
	for k := 1; k <= maxLoopPhrase; k++ {
		for i := 0; i+k*minLoopRepeats <= len(words); i++ {
			repeats := 1
			for j := i + k; j+k <= len(words) && equalWords(words[i:i+k], words[j:j+k]); j += k {
				repeats++
			}
			if repeats >= minLoopRepeats {
				return true
			}
		}
	}
	return false
}

func equalWords(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
