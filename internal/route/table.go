// Package route maps inbound request paths to upstream HTTPS targets.
package route

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"api-proxy-go/internal/config"
)

// ErrNoMatch is returned by Resolve in restrictive mode when no rule matches.
var ErrNoMatch = errors.New("no route matches path")

// Mode selects how paths that match no rule are handled.
type Mode string

const (
	// Restrictive rejects unmatched paths.
	Restrictive Mode = config.ModeRestrictive
	// Permissive treats the unmatched path itself as host and path of the target.
	Permissive Mode = config.ModePermissive
)

// Rule maps a path prefix to an upstream origin (host[:port]).
type Rule struct {
	Prefix      string
	Origin      string
	StripPrefix bool
}

// Target is the outcome of a successful route lookup.
type Target struct {
	// Prefix is the matched rule prefix, empty for permissive fallthrough.
	Prefix string
	URL    *url.URL
}

// Table is an ordered, immutable list of rules. The first matching rule wins.
type Table struct {
	rules []Rule
	mode  Mode
}

// New builds a Table from rules in priority order.
func New(rules []Rule, mode Mode) (*Table, error) {
	switch mode {
	case Restrictive, Permissive:
	default:
		return nil, fmt.Errorf("route: unknown mode %q", mode)
	}

	copied := make([]Rule, len(rules))
	for i, r := range rules {
		if !strings.HasPrefix(r.Prefix, "/") || len(r.Prefix) < 2 {
			return nil, fmt.Errorf("route: rule %d: invalid prefix %q", i, r.Prefix)
		}
		if r.Origin == "" {
			return nil, fmt.Errorf("route: rule %d: empty origin", i)
		}
		copied[i] = r
	}

	return &Table{rules: copied, mode: mode}, nil
}

// FromConfig builds the Table described by cfg.
func FromConfig(cfg *config.Config) (*Table, error) {
	routes := cfg.EffectiveRoutes()
	rules := make([]Rule, 0, len(routes))
	for _, r := range routes {
		rules = append(rules, Rule{Prefix: r.Prefix, Origin: r.Origin, StripPrefix: r.StripPrefix})
	}
	return New(rules, Mode(cfg.Proxy.Mode))
}

// Mode returns the table's unmatched-path policy.
func (t *Table) Mode() Mode { return t.mode }

// Rules returns a copy of the rules in priority order.
func (t *Table) Rules() []Rule {
	return append([]Rule(nil), t.rules...)
}

// Match returns the first rule whose prefix matches path on a segment boundary.
func (t *Table) Match(path string) (Rule, bool) {
	for _, r := range t.rules {
		if path == r.Prefix || strings.HasPrefix(path, r.Prefix+"/") {
			return r, true
		}
	}
	return Rule{}, false
}

// Resolve maps an escaped request path and raw query to an HTTPS target URL.
// The query string is carried over verbatim.
func (t *Table) Resolve(escapedPath, rawQuery string) (*Target, error) {
	var target, prefix string

	if r, ok := t.Match(escapedPath); ok {
		p := escapedPath
		if r.StripPrefix {
			p = strings.TrimPrefix(p, r.Prefix)
			if p == "" {
				p = "/"
			}
		}
		target = "https://" + r.Origin + p
		prefix = r.Prefix
	} else {
		if t.mode != Permissive {
			return nil, ErrNoMatch
		}
		target = "https://" + strings.TrimPrefix(escapedPath, "/")
	}

	if rawQuery != "" {
		target += "?" + rawQuery
	}

	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("route: parse target %q: %w", target, err)
	}
	if u.Host == "" || u.User != nil {
		return nil, fmt.Errorf("route: target %q has no usable host", target)
	}

	return &Target{Prefix: prefix, URL: u}, nil
}
