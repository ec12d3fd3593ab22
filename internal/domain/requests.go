package domain

import "time"

// AgentStatus is one entry of the broker's JSON agent listing.
type AgentStatus struct {
	AgentID      string     `json:"agent_id"`
	Connected    bool       `json:"connected"`
	ConnectionID string     `json:"connection_id,omitempty"`
	Transport    string     `json:"transport,omitempty"`
	RemoteAddr   string     `json:"remote_addr,omitempty"`
	ConnectedAt  *time.Time `json:"connected_at,omitempty"`
	LastSeenAt   *time.Time `json:"last_seen_at,omitempty"`
	RuleCount    int        `json:"rule_count"`
	SocksPort    int        `json:"socks_port,omitempty"`
}

// ErrorResponse is the JSON body returned by the broker for structured errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}
