package services

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// CanonicalizeFunc maps a raw learner answer onto its canonical form
type CanonicalizeFunc func(string) string

// Canonicalizer picks a canonicalization per language. Languages without an
// override use DefaultCanonicalize.
type Canonicalizer struct {
	overrides map[string]CanonicalizeFunc
}

// NewCanonicalizer creates a canonicalizer with the built-in language overrides
func NewCanonicalizer() *Canonicalizer {
	return &Canonicalizer{
		overrides: map[string]CanonicalizeFunc{
			"ru": func(s string) string {
				return strings.ReplaceAll(DefaultCanonicalize(s), "ё", "е")
			},
		},
	}
}

// Register installs or replaces the canonicalization for a language
func (c *Canonicalizer) Register(language string, fn CanonicalizeFunc) {
	c.overrides[strings.ToLower(language)] = fn
}

// Canonicalize normalizes answer for the given language
func (c *Canonicalizer) Canonicalize(language, answer string) string {
	if fn, ok := c.overrides[strings.ToLower(language)]; ok {
		return fn(answer)
	}
	return DefaultCanonicalize(answer)
}

var typographic = strings.NewReplacer(
	"’", "'", "‘", "'", "ʼ", "'",
	"“", "\"", "”", "\"", "«", "\"", "»", "\"",
	" ", " ",
)

// DefaultCanonicalize applies NFC, trims and collapses whitespace, lowercases and
// strips trailing punctuation. Combining stress marks survive NFC and are kept.
func DefaultCanonicalize(answer string) string {
	s := norm.NFC.String(answer)
	s = typographic.Replace(s)
	s = strings.Join(strings.Fields(s), " ")
	s = strings.ToLower(s)
	s = strings.TrimRightFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
	return s
}
