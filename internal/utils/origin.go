package utils

import (
	"net/url"
	"strings"
)

// NormalizeOrigin reduces an Origin header or a configured URL to
// lower-case "scheme://host[:port]". Paths and trailing slashes are dropped.
func NormalizeOrigin(s string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), true
}

// OriginMatcher reports whether an origin is on the allow-list. Both sides
// go through NormalizeOrigin. An empty list matches every origin.
func OriginMatcher(allowed []string) func(origin string) bool {
	if len(allowed) == 0 {
		return func(string) bool { return true }
	}

	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if n, ok := NormalizeOrigin(o); ok {
			set[n] = struct{}{}
		}
	}
	return func(origin string) bool {
		n, ok := NormalizeOrigin(origin)
		if !ok {
			return false
		}
		_, hit := set[n]
		return hit
	}
}
