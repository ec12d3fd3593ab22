package rules

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
)

// CompileOptions controls how a rule set is compiled for one agent.
type CompileOptions struct {
	// OwnerID is this agent's id. Rules owned by another agent are dropped.
	OwnerID string
	// ProxyPortBase is the first port handed to an HTTP or HTTPS rule.
	ProxyPortBase int
	// SocksPort is shared by every compiled rule.
	SocksPort int
	// Rand supplies secret key material; crypto/rand when nil.
	Rand io.Reader
}

// Compile selects the rules that apply to opts.OwnerID and fills in their
// runtime fields. Wildcard rules are rewritten to carry the agent's id. HTTP
// and HTTPS rules get successive proxy ports from opts.ProxyPortBase in
// ascending sequence order; socket rules get none. Every rule shares
// opts.SocksPort and gets its own random non-zero 63-bit secret key.
//
// The input is not modified.
func Compile(rules []ResourceRule, opts CompileOptions) ([]ResourceRule, error) {
	if opts.OwnerID == "" {
		return nil, fmt.Errorf("compile rules: owner id is required")
	}
	src := opts.Rand
	if src == nil {
		src = rand.Reader
	}

	out := make([]ResourceRule, 0, len(rules))
	for _, rule := range rules {
		if rule.OwnerID != WildcardOwner && rule.OwnerID != opts.OwnerID {
			continue
		}
		c := rule.Clone()
		c.OwnerID = opts.OwnerID
		c.ProxyPort = nil
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SeqNum < out[j].SeqNum })

	nextProxy := opts.ProxyPortBase
	used := make(map[int64]struct{}, len(out))
	for i := range out {
		if out[i].IsHTTP() {
			port := nextProxy
			out[i].ProxyPort = &port
			nextProxy++
		}
		socks := opts.SocksPort
		out[i].SocksPort = &socks

		key, err := newSecretKey(src, used)
		if err != nil {
			return nil, fmt.Errorf("compile rules: %w", err)
		}
		out[i].SecretKey = &key
	}
	return out, nil
}

func newSecretKey(src io.Reader, used map[int64]struct{}) (int64, error) {
	var buf [8]byte
	for {
		if _, err := io.ReadFull(src, buf[:]); err != nil {
			return 0, fmt.Errorf("generate secret key: %w", err)
		}
		key := int64(binary.BigEndian.Uint64(buf[:]) & math.MaxInt64)
		if key == 0 {
			continue
		}
		if _, dup := used[key]; dup {
			continue
		}
		used[key] = struct{}{}
		return key, nil
	}
}

// SystemSeqNum is the sequence number of the agent's internal health rule.
const SystemSeqNum = math.MaxInt32

// SystemRules returns the rules the agent registers for itself: an exact-URL
// rule exposing the local health endpoint to the broker.
func SystemRules(agentID string, healthzPort int, principals []string) []ResourceRule {
	return []ResourceRule{{
		SeqNum:            SystemSeqNum,
		OwnerID:           agentID,
		AllowedPrincipals: append([]string(nil), principals...),
		AllowAnyApp:       true,
		Pattern:           "http://localhost:" + strconv.Itoa(healthzPort) + HealthzPath(agentID),
		PatternType:       URLExact,
	}}
}

// HealthzPath is the path of the agent's internal health endpoint.
func HealthzPath(agentID string) string {
	return "/" + agentID + "/__SDCINTERNAL__/healthcheck"
}
