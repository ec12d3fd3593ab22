package rules

import (
	"net/url"
	"strings"

	"github.com/koltyakov/connector/internal/netutil"
)

// Set is a compiled rule set with lookup helpers.
type Set []ResourceRule

// MatchURL returns the first HTTP-family rule permitting u. HOSTPORT rules
// match any path under their scheme, host and port; URLEXACT rules match only
// their exact path.
func (s Set) MatchURL(u *url.URL) (ResourceRule, bool) {
	if u == nil {
		return ResourceRule{}, false
	}
	scheme := Scheme(strings.ToLower(u.Scheme))
	host := netutil.NormalizeHost(u.Hostname())
	port := portOf(scheme, u.Port())
	path := u.Path
	if path == "" {
		path = "/"
	}

	for _, rule := range s {
		if !rule.IsHTTP() || rule.Scheme() != scheme {
			continue
		}
		if rule.Host() != host || rule.Port() != port {
			continue
		}
		if rule.PatternType == URLExact && rule.Path() != path {
			continue
		}
		return rule, true
	}
	return ResourceRule{}, false
}

// AllowsEndpoint reports whether any rule names host:port.
func (s Set) AllowsEndpoint(host string, port int) bool {
	host = netutil.NormalizeHost(host)
	for _, rule := range s {
		if rule.Host() == host && rule.Port() == port {
			return true
		}
	}
	return false
}

// BySeqNum returns the rule with the given sequence number.
func (s Set) BySeqNum(seq int) (ResourceRule, bool) {
	for _, rule := range s {
		if rule.SeqNum == seq {
			return rule, true
		}
	}
	return ResourceRule{}, false
}
