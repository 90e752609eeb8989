package receipt

import (
	"regexp"
	"strings"
)

var accountOverride = regexp.MustCompile(`(?i)account=([^\r\n]*)`)

// ParseAccountOverride extracts the value of an account=<value> marker from
// a caption. The key is case-insensitive and the value runs to the end of
// the line.
func ParseAccountOverride(caption string) (string, bool) {
	match := accountOverride.FindStringSubmatch(caption)
	if match == nil {
		return "", false
	}
	account := strings.TrimSpace(match[1])
	if account == "" {
		return "", false
	}
	return account, true
}
