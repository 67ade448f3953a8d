package metastore

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// CleanName normalizes a display name to NFC, drops control and format
// characters and collapses runs of whitespace.
func CleanName(s string) string {
	t := transform.Chain(norm.NFC, runes.Remove(runes.Predicate(func(r rune) bool {
		return unicode.IsControl(r) || unicode.Is(unicode.Cf, r)
	})))
	s = strings.Join(strings.Fields(s), " ")
	result, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return result
}

// RemoveDiacritics removes diacritical marks from a string (e.g., "Jiří" -> "Jiri").
func RemoveDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, _ := transform.String(t, s)
	return result
}

// NormalizeName folds a name for comparison (lowercase, no diacritics).
func NormalizeName(name string) string {
	return strings.ToLower(RemoveDiacritics(CleanName(name)))
}

// PickDisplayName returns the first candidate that is non-empty after cleaning,
// or UnknownName.
func PickDisplayName(candidates []string) string {
	for _, c := range candidates {
		if name := CleanName(c); name != "" {
			return name
		}
	}
	return UnknownName
}
