// Package rules models the resource rules that decide which internal
// resources the broker may reach through the agent and who may use them.
//
// A rule document is parsed into [ResourceRule] values, checked with
// [ValidateSet] and [ValidateConfig], and then compiled for one agent with
// [Compile], which fills in the runtime-only fields (proxy port, SOCKS port and
// secret key). Compiled rules must pass [ValidateRuntime] before they are
// handed to the proxy layer or registered with the broker.
package rules

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/koltyakov/connector/internal/netutil"
)

// WildcardOwner is the owner id that matches every agent.
const WildcardOwner = "all"

// Pattern scheme prefixes.
const (
	PrefixHTTP   = "http://"
	PrefixHTTPS  = "https://"
	PrefixSocket = "socket://"
)

// PatternType selects how an HTTP-family pattern is matched.
type PatternType string

const (
	// HostPort permits any path under the pattern's host and port.
	HostPort PatternType = "HOSTPORT"
	// URLExact permits only the exact path given in the pattern.
	URLExact PatternType = "URLEXACT"
)

// Scheme is the resource kind derived from a rule pattern.
type Scheme string

const (
	SchemeUnknown Scheme = ""
	SchemeHTTP    Scheme = "http"
	SchemeHTTPS   Scheme = "https"
	SchemeSocket  Scheme = "socket"
)

// AppScope restricts a rule to an application inside a container. An empty
// AppID together with AllowAnyAppID means any app in the container.
type AppScope struct {
	Container          string `json:"container"`
	AppID              string `json:"appId,omitempty"`
	AllowAnyAppID      bool   `json:"allowAnyAppId,omitempty"`
	AllowAnyPrivateApp bool   `json:"allowAnyPrivateApp,omitempty"`
}

// ResourceRule is one configured or compiled access rule.
//
// ProxyPort, SocksPort and SecretKey are nil on rules read from a document and
// populated by [Compile].
type ResourceRule struct {
	SeqNum            int         `json:"seqNum"`
	OwnerID           string      `json:"ownerId"`
	AllowedPrincipals []string    `json:"allowedPrincipals"`
	AppScopes         []AppScope  `json:"appScopes,omitempty"`
	AllowAnyApp       bool        `json:"allowAnyApp,omitempty"`
	Pattern           string      `json:"pattern"`
	PatternType       PatternType `json:"patternType"`

	ProxyPort *int   `json:"proxyPort,omitempty"`
	SocksPort *int   `json:"socksPort,omitempty"`
	SecretKey *int64 `json:"secretKey,omitempty"`
}

// Name is the display name used in validation messages.
func (r ResourceRule) Name() string {
	return "Resource " + strconv.Itoa(r.SeqNum)
}

// Scheme returns the resource kind implied by the pattern prefix.
func (r ResourceRule) Scheme() Scheme {
	return schemeOf(r.Pattern)
}

// IsHTTP reports whether the rule addresses an http:// or https:// resource.
func (r ResourceRule) IsHTTP() bool {
	s := r.Scheme()
	return s == SchemeHTTP || s == SchemeHTTPS
}

// Runtime reports whether the runtime-only fields have been populated.
func (r ResourceRule) Runtime() bool {
	return r.ProxyPort != nil || r.SocksPort != nil || r.SecretKey != nil
}

// Host returns the lower-cased host of the pattern, or "" when the pattern
// cannot be parsed.
func (r ResourceRule) Host() string {
	u, err := r.patternURL()
	if err != nil {
		return ""
	}
	return netutil.NormalizeHost(u.Hostname())
}

// Port returns the pattern's port. HTTP and HTTPS patterns without an explicit
// port default to 80 and 443. Zero means no usable port.
func (r ResourceRule) Port() int {
	u, err := r.patternURL()
	if err != nil {
		return 0
	}
	return portOf(r.Scheme(), u.Port())
}

// Path returns the pattern path with "/" for an empty path.
func (r ResourceRule) Path() string {
	u, err := r.patternURL()
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

// Clone returns a deep copy of r.
func (r ResourceRule) Clone() ResourceRule {
	out := r
	out.AllowedPrincipals = append([]string(nil), r.AllowedPrincipals...)
	out.AppScopes = append([]AppScope(nil), r.AppScopes...)
	if r.ProxyPort != nil {
		v := *r.ProxyPort
		out.ProxyPort = &v
	}
	if r.SocksPort != nil {
		v := *r.SocksPort
		out.SocksPort = &v
	}
	if r.SecretKey != nil {
		v := *r.SecretKey
		out.SecretKey = &v
	}
	return out
}

func (r ResourceRule) String() string {
	return fmt.Sprintf("%s(%s %s owner=%s)", r.Name(), r.PatternType, r.Pattern, r.OwnerID)
}

func (r ResourceRule) patternURL() (*url.URL, error) {
	if r.Scheme() == SchemeUnknown {
		return nil, fmt.Errorf("unknown scheme in pattern %q", r.Pattern)
	}
	return url.Parse(r.Pattern)
}

func schemeOf(pattern string) Scheme {
	switch {
	case strings.HasPrefix(pattern, PrefixHTTP):
		return SchemeHTTP
	case strings.HasPrefix(pattern, PrefixHTTPS):
		return SchemeHTTPS
	case strings.HasPrefix(pattern, PrefixSocket):
		return SchemeSocket
	}
	return SchemeUnknown
}

func portOf(s Scheme, raw string) int {
	if raw != "" {
		p, err := strconv.Atoi(raw)
		if err != nil || p <= 0 || p > 65535 {
			return 0
		}
		return p
	}
	switch s {
	case SchemeHTTP:
		return 80
	case SchemeHTTPS:
		return 443
	}
	return 0
}

