// Package domain defines the core data types shared across the broker,
// its store, and the admin commands.
package domain

import "time"

// Connection state constants describe the lifecycle of an agent connection.
const (
	ConnectionStateConnected    = "connected"
	ConnectionStateDisconnected = "disconnected"
)

// Agent is a broker-managed agent identity.
type Agent struct {
	ID           string
	User         string
	Domain       string
	PasswordHash string
	CreatedAt    time.Time
	RevokedAt    *time.Time
}

// Connection is one authorized tunnel connection of an agent.
type Connection struct {
	ID             string
	AgentID        string
	SessionID      string
	Transport      string
	RemoteAddr     string
	State          string
	ConnectedAt    time.Time
	LastSeenAt     *time.Time
	DisconnectedAt *time.Time
}

// Registration is the latest rule set an agent registered.
type Registration struct {
	AgentID      string
	ConnectionID string
	SocksPort    int
	// Rules holds the registered rules as JSON.
	Rules        []byte
	RegisteredAt time.Time
}
