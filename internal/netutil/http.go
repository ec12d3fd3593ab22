// Package netutil provides shared HTTP/network normalization helpers.
package netutil

import (
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

var hopByHopHeaderNames = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// NormalizeHost lower-cases and strips ports/trailing dots from host values.
func NormalizeHost(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return ""
	}

	if h, p, err := net.SplitHostPort(host); err == nil && p != "" {
		host = h
	} else if strings.Count(host, ":") == 1 {
		left, right, ok := strings.Cut(host, ":")
		if ok && isDigits(right) {
			host = left
		}
	}

	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.TrimSuffix(host, ".")
}

// SplitEndpoint parses "host:port" into a normalized host and a port in
// 1..65535.
func SplitEndpoint(raw string) (string, int, bool) {
	h, p, err := net.SplitHostPort(strings.TrimSpace(raw))
	if err != nil || !isDigits(p) {
		return "", 0, false
	}
	port, err := strconv.Atoi(p)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, false
	}
	host := NormalizeHost(h)
	if host == "" {
		return "", 0, false
	}
	return host, port, true
}

// RemoveHopByHopHeaders strips hop-by-hop headers that must not be proxied,
// including any named by the Connection header.
func RemoveHopByHopHeaders(h http.Header) {
	if len(h) == 0 {
		return
	}
	for _, connectionValue := range h.Values("Connection") {
		for _, token := range strings.Split(connectionValue, ",") {
			if key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(token)); key != "" {
				h.Del(key)
			}
		}
	}
	for _, key := range hopByHopHeaderNames {
		h.Del(key)
	}
}

func isDigits(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
