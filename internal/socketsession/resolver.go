package socketsession

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// NetResolver resolves host names through a [net.Resolver], returning the
// CNAME target when there is one.
type NetResolver struct {
	Resolver *net.Resolver
}

func (r NetResolver) Resolve(ctx context.Context, host string) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", fmt.Errorf("empty host")
	}
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		return ip.String(), nil
	}
	res := r.Resolver
	if res == nil {
		res = net.DefaultResolver
	}
	addrs, err := res.LookupHost(ctx, host)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no addresses for %s", host)
	}
	if cname, err := res.LookupCNAME(ctx, host); err == nil && cname != "" {
		return strings.TrimSuffix(cname, "."), nil
	}
	return host, nil
}
