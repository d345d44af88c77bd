// Package textnorm holds the text normalisation shared by the transcript
// filter, the trigger evaluator and the objection matcher.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize lowercases s, strips punctuation and symbols, and collapses runs
// of whitespace into single spaces.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case unicode.IsSpace(r):
			space = true
		}
	}
	return b.String()
}

// Fold returns Normalize(s) with diacritics removed, so "começar" and
// "comecar" compare equal.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return Normalize(out)
}

// Words splits a normalized string into its words.
func Words(normalized string) []string {
	return strings.Fields(normalized)
}

// CountLetters returns the number of alphabetic runes in s.
func CountLetters(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}

// ContainsAny reports whether the folded text contains any of the folded
// phrases and returns the first one found.
func ContainsAny(folded string, phrases []string) (string, bool) {
	for _, p := range phrases {
		if p != "" && strings.Contains(folded, p) {
			return p, true
		}
	}
	return "", false
}

// FoldAll folds every phrase, dropping those that normalise to nothing.
func FoldAll(phrases []string) []string {
	out := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if f := Fold(p); f != "" {
			out = append(out, f)
		}
	}
	return out
}
