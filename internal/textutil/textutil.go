package textutil

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var whitespaceRegex = regexp.MustCompile(`\s+`)

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Fold lowercases s, removes diacritics and collapses whitespace, so that
// "Política  de Seguridad" and "politica de seguridad" compare equal.
func Fold(s string) string {
	folded, _, err := transform.String(stripMarks, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)
	folded = whitespaceRegex.ReplaceAllString(folded, " ")
	return strings.TrimSpace(folded)
}

// MatchAny returns the first pattern contained in text after folding both.
func MatchAny(text string, patterns []string) (string, bool) {
	text = Fold(text)
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.Contains(text, Fold(p)) {
			return p, true
		}
	}
	return "", false
}

// CollapseSpaces trims s and replaces runs of whitespace with one space.
func CollapseSpaces(s string) string {
	return strings.TrimSpace(whitespaceRegex.ReplaceAllString(s, " "))
}
