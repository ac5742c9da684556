// Package globmatch implements the minimal glob language shared by the
// Policy Engine's allowedKeys rule and the sandbox's utils.matchPath
// capability (spec.md §4.2, §9). It deliberately supports only four forms —
// "*" (no slash), "**" (any), "**/" (any, with a trailing slash), and a
// literal "." — and nothing else; callers are expected to construct
// patterns by hand, not to reach for a full regular expression.
package globmatch

import (
	"regexp"
	"strings"
	"sync"
)

var cache sync.Map // pattern string -> *regexp.Regexp

// Match reports whether path satisfies pattern.
func Match(pattern, path string) bool {
	re, err := compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(path)
}

func compile(pattern string) (*regexp.Regexp, error) {
	if v, ok := cache.Load(pattern); ok {
		return v.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(toRegexp(pattern))
	if err != nil {
		return nil, err
	}
	cache.Store(pattern, re)
	return re, nil
}

func toRegexp(pattern string) string {
	var b strings.Builder
	b.WriteByte('^')
	for i := 0; i < len(pattern); {
		rest := pattern[i:]
		switch {
		case strings.HasPrefix(rest, "**/"):
			// any number of path segments, including none
			b.WriteString(`(?:.*/)?`)
			i += 3
		case strings.HasPrefix(rest, "**"):
			b.WriteString(`.*`)
			i += 2
		case pattern[i] == '*':
			b.WriteString(`[^/]*`)
			i++
		case pattern[i] == '.':
			b.WriteString(`\.`)
			i++
		default:
			b.WriteString(regexp.QuoteMeta(string(pattern[i])))
			i++
		}
	}
	b.WriteByte('$')
	return b.String()
}
