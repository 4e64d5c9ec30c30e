// Package allowlist compiles the URL allow-list of spec.md §4.9 once
// at startup: each pattern is either a literal URL or a `/regex/`,
// auto-anchored with ^ and $. Grounded on the teacher's
// internal/httpclient SaferClient's scheme/host allow-list checks,
// generalized from a fixed scheme set to arbitrary caller-supplied
// patterns.
package allowlist

import (
	"regexp"
	"strings"

	"github.com/zerocache/sync-engine/internal/errors"
)

// Matcher is a compiled allow-list ready for repeated Match calls.
type Matcher struct {
	literals map[string]bool
	regexes  []*regexp.Regexp
}

// Compile builds a Matcher from patterns. A pattern wrapped in forward
// slashes (`/foo.*bar/`) is compiled as a regex, auto-anchored with ^
// and $; anything else is treated as a literal URL. Invalid regexes
// are a load-time configuration error, never a panic.
func Compile(patterns []string) (*Matcher, error) {
	m := &Matcher{literals: make(map[string]bool, len(patterns))}
	for _, p := range patterns {
		if strings.HasPrefix(p, "/") && strings.HasSuffix(p, "/") && len(p) >= 2 {
			body := p[1 : len(p)-1]
			re, err := regexp.Compile("^" + body + "$")
			if err != nil {
				return nil, errors.Wrapf(err, "allowlist: invalid pattern %q", p)
			}
			m.regexes = append(m.regexes, re)
			continue
		}
		m.literals[normalize(p)] = true
	}
	return m, nil
}

// Match reports whether url satisfies any configured pattern. The
// query string and hash fragment are ignored and a trailing slash is
// stripped before comparison, per spec.md §4.9.
func (m *Matcher) Match(url string) bool {
	candidate := normalize(url)
	if m.literals[candidate] {
		return true
	}
	for _, re := range m.regexes {
		if re.MatchString(candidate) {
			return true
		}
	}
	return false
}

func normalize(url string) string {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	return strings.TrimSuffix(url, "/")
}
