package rules

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"unicode"

	"go.uber.org/multierr"

	"github.com/koltyakov/connector/internal/netutil"
)

// ValidationError aggregates every problem found in one validation pass.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return joinLines(e.Err)
}

func (e *ValidationError) Unwrap() []error {
	return multierr.Errors(e.Err)
}

// Problems returns one message per problem.
func (e *ValidationError) Problems() []string {
	errs := multierr.Errors(e.Err)
	out := make([]string, 0, len(errs))
	for _, err := range errs {
		out = append(out, err.Error())
	}
	return out
}

// ValidateConfig checks the fields a rule must carry in a rule document.
func ValidateConfig(rule ResourceRule) error {
	return finish(configProblems(rule))
}

// ValidateRuntime checks a compiled rule: everything [ValidateConfig] checks
// plus the ports and secret key filled in by [Compile].
func ValidateRuntime(rule ResourceRule) error {
	errs := configProblems(rule)
	name := rule.Name()

	if rule.SocksPort == nil {
		errs = multierr.Append(errs, fmt.Errorf("%s: socks server port is required", name))
	} else if *rule.SocksPort < 0 || *rule.SocksPort > 65535 {
		errs = multierr.Append(errs, fmt.Errorf("%s: socks server port %d out of range 0-65535", name, *rule.SocksPort))
	}

	if rule.IsHTTP() {
		if rule.ProxyPort == nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: http proxy port is required for http and https resources", name))
		} else if *rule.ProxyPort <= 0 || *rule.ProxyPort > 65535 {
			errs = multierr.Append(errs, fmt.Errorf("%s: http proxy port %d out of range 1-65535", name, *rule.ProxyPort))
		}
	}

	if rule.SecretKey == nil {
		errs = multierr.Append(errs, fmt.Errorf("%s: secret key is required", name))
	}
	return finish(errs)
}

// ValidateSet checks a whole rule set in one pass: it needs at least one rule,
// sequence numbers must be unique, and every rule must pass [ValidateConfig].
// All problems are reported together.
func ValidateSet(rules []ResourceRule) error {
	if len(rules) == 0 {
		return finish(fmt.Errorf("at least one resource rule is required"))
	}

	var errs error
	seen := make(map[int]struct{}, len(rules))
	for _, rule := range rules {
		errs = multierr.Append(errs, configProblems(rule))
		if _, dup := seen[rule.SeqNum]; dup {
			errs = multierr.Append(errs, fmt.Errorf("Duplicate sequence number entries not allowed. Resource: %d", rule.SeqNum))
			continue
		}
		seen[rule.SeqNum] = struct{}{}
	}
	return finish(errs)
}

// ValidateRuntimeSet runs [ValidateRuntime] on every rule and aggregates the
// result.
func ValidateRuntimeSet(rules []ResourceRule) error {
	var errs error
	for _, rule := range rules {
		if err := ValidateRuntime(rule); err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				errs = multierr.Append(errs, verr.Err)
				continue
			}
			errs = multierr.Append(errs, err)
		}
	}
	return finish(errs)
}

func configProblems(rule ResourceRule) error {
	var errs error
	name := rule.Name()
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(name+": "+format, args...))
	}

	if rule.SeqNum <= 0 {
		add("sequence number must be greater than 0")
	}

	switch {
	case strings.TrimSpace(rule.OwnerID) == "":
		add("owner id is required")
	case hasSpace(rule.OwnerID):
		add("owner id %q must not contain whitespace", rule.OwnerID)
	}

	if len(rule.AllowedPrincipals) == 0 {
		add("at least one allowed principal is required")
	}
	for _, p := range rule.AllowedPrincipals {
		if hasSpace(p) || p == "" {
			add("allowed principal %q must be non-empty and contain no whitespace", p)
			continue
		}
		if !strings.Contains(p, "@") {
			add("allowed principal %q must be a fully qualified identity containing '@'", p)
		}
	}

	for _, app := range rule.AppScopes {
		if hasSpace(app.Container) || hasSpace(app.AppID) {
			add("app scope %q/%q must not contain whitespace", app.Container, app.AppID)
		}
	}

	patternProblems(rule, add)
	return errs
}

func patternProblems(rule ResourceRule, add func(string, ...any)) {
	pattern := rule.Pattern
	if pattern == "" {
		add("pattern is required")
		return
	}
	if hasSpace(pattern) {
		add("pattern %q must not contain whitespace", pattern)
		return
	}

	scheme := rule.Scheme()
	if scheme == SchemeUnknown {
		add("pattern %q must start with %s, %s or %s", pattern, PrefixHTTP, PrefixHTTPS, PrefixSocket)
		return
	}

	switch rule.PatternType {
	case HostPort, "":
	case URLExact:
		if scheme != SchemeHTTP {
			add("pattern type %s is only allowed for %s patterns", URLExact, PrefixHTTP)
		}
	default:
		add("unknown pattern type %q", rule.PatternType)
	}

	u, err := url.Parse(pattern)
	if err != nil || u.Hostname() == "" {
		add("pattern %q must name a host", pattern)
		return
	}
	if raw := u.Port(); raw != "" {
		if p, err := strconv.Atoi(raw); err != nil || p <= 0 || p > 65535 {
			add("pattern %q has an invalid port", pattern)
		}
	}

	switch scheme {
	case SchemeSocket:
		if _, _, ok := netutil.SplitEndpoint(u.Host); !ok {
			add("socket pattern %q must carry host:port", pattern)
		}
		if u.Path != "" && u.Path != "/" {
			add("socket pattern %q must not contain a path", pattern)
		}
	case SchemeHTTP, SchemeHTTPS:
		if rule.PatternType != URLExact && len(u.Path) > 1 {
			add("%s pattern %q must not contain a path", HostPort, pattern)
		}
	}
}

func finish(errs error) error {
	if errs == nil {
		return nil
	}
	return &ValidationError{Err: errs}
}

func hasSpace(s string) bool {
	return strings.IndexFunc(s, unicode.IsSpace) >= 0
}

func joinLines(err error) string {
	errs := multierr.Errors(err)
	lines := make([]string, 0, len(errs))
	for _, e := range errs {
		lines = append(lines, e.Error())
	}
	return strings.Join(lines, "\n")
}
