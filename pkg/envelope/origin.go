package envelope

import (
	"net/url"
	"strings"

	"github.com/gobwas/glob"

	"github.com/sipeed/picowidget/pkg/domain"
)

// Wildcard addresses every origin. Only non-sensitive status events may use it.
const Wildcard = "*"

// ParseOrigin normalises raw into scheme://host[:port]. Default ports are
// dropped and the result is lower-cased. Anything carrying a path, query,
// fragment or credentials is rejected: an origin names a site, not a page.
func ParseOrigin(raw string) (string, error) {
	const op = "envelope.parse-origin"
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return "", domain.Ef(domain.KindConfig, op, "empty origin")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", domain.E(domain.KindConfig, op, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", domain.Ef(domain.KindConfig, op, "origin %q: scheme must be http or https", raw)
	}
	if u.Host == "" || u.Hostname() == "" {
		return "", domain.Ef(domain.KindConfig, op, "origin %q: missing host", raw)
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || (u.Path != "" && u.Path != "/") {
		return "", domain.Ef(domain.KindConfig, op, "origin %q: must not carry path, query or credentials", raw)
	}
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host, nil
}

// Guard is an origin allowlist. Entries are exact origins or glob patterns
// such as "https://*.example.com", where * does not cross a dot.
type Guard struct {
	exact    map[string]struct{}
	patterns []glob.Glob
}

// NewGuard compiles an allowlist. An empty allowlist allows nothing.
func NewGuard(allowed ...string) (*Guard, error) {
	const op = "envelope.guard"
	g := &Guard{exact: make(map[string]struct{})}
	for _, entry := range allowed {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if entry == Wildcard {
			return nil, domain.Ef(domain.KindConfig, op, "bare * is not an allowed origin")
		}
		if strings.Contains(entry, "*") {
			pattern, err := glob.Compile(strings.TrimSuffix(entry, "/"), '.')
			if err != nil {
				return nil, domain.E(domain.KindConfig, op, err)
			}
			g.patterns = append(g.patterns, pattern)
			continue
		}
		origin, err := ParseOrigin(entry)
		if err != nil {
			return nil, err
		}
		g.exact[origin] = struct{}{}
	}
	return g, nil
}

// Empty reports whether the guard allows nothing.
func (g *Guard) Empty() bool {
	return g == nil || (len(g.exact) == 0 && len(g.patterns) == 0)
}

// Allows reports whether origin is on the allowlist.
func (g *Guard) Allows(origin string) bool {
	if g.Empty() {
		return false
	}
	normalised, err := ParseOrigin(origin)
	if err != nil {
		return false
	}
	if _, ok := g.exact[normalised]; ok {
		return true
	}
	for _, p := range g.patterns {
		if p.Match(normalised) {
			return true
		}
	}
	return false
}
