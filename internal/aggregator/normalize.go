package aggregator

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// NormalizeRegion returns the canonical statistics key for a region name:
// diacritics stripped, underscores turned into spaces, whitespace collapsed
// and title-cased. "Valparaíso", "valparaiso " and "VALPARAISO_" all map to
// "Valparaiso". A word starts after any uncased character, so "o’higgins"
// becomes "O’Higgins".
func NormalizeRegion(raw string) string {
	// Transformers and casers keep state, so each call builds its own.
	strip := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	s, _, err := transform.String(strip, raw)
	if err != nil {
		s = raw
	}
	s = strings.ReplaceAll(s, "_", " ")
	s = strings.Join(strings.Fields(s), " ")
	return titleWords(s)
}

// titleWords title-cases every run of cased letters on its own.
func titleWords(s string) string {
	title := cases.Title(language.Und)
	var b strings.Builder
	b.Grow(len(s))
	start := -1
	for i, r := range s {
		if isCased(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			b.WriteString(title.String(s[start:i]))
			start = -1
		}
		b.WriteRune(r)
	}
	if start >= 0 {
		b.WriteString(title.String(s[start:]))
	}
	return b.String()
}

func isCased(r rune) bool {
	return unicode.IsUpper(r) || unicode.IsLower(r) || unicode.IsTitle(r)
}
