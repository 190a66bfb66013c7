package sandboxmgr

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Slug canonicalizes a project name into the directory name the bridge uses
// under $HOME: lowercased, NFD-normalized with diacritics stripped, runs of
// non-alphanumerics collapsed to a single '-', trimmed, and "project"
// substituted when nothing survives.
func Slug(name string) string {
	decomposed := norm.NFD.String(strings.ToLower(name))

	var b strings.Builder
	b.Grow(len(decomposed))
	lastDash := true // suppress a leading dash
	for _, r := range decomposed {
		switch {
		case unicode.Is(unicode.Mn, r):
			// combining mark from NFD decomposition: drop
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}

	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return "project"
	}
	return slug
}
