// Package mapping turns raw receipt item names into stable lookup keys and
// resolves those keys against a user's learned category mappings.
package mapping

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	disallowed    = regexp.MustCompile(`[^a-z0-9 \-.]`)
)

// Normalize canonicalizes a raw item name into a lookup key. It is total and
// idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))

	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)))
	if stripped, _, err := transform.String(t, s); err == nil {
		s = stripped
	}

	s = whitespaceRun.ReplaceAllString(s, " ")
	s = disallowed.ReplaceAllString(s, "")
	// Dropping characters can leave doubled or edge spaces behind.
	s = whitespaceRun.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
