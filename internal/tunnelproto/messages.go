package tunnelproto

import "github.com/koltyakov/connector/internal/rules"

// Result is the outcome carried by authorization and registration responses.
type Result string

const (
	ResultOK     Result = "OK"
	ResultFailed Result = "FAILED"
)

// AuthorizationRequest is the agent's first frame on a new connection.
type AuthorizationRequest struct {
	AgentID  string `cbor:"agentId"`
	User     string `cbor:"user"`
	Domain   string `cbor:"domain"`
	Password string `cbor:"password"`
	Version  string `cbor:"version,omitempty"`
}

// AuthorizationResponse carries the tunnel session the broker issued.
type AuthorizationResponse struct {
	Result    Result `cbor:"result"`
	Message   string `cbor:"message,omitempty"`
	SessionID string `cbor:"sessionId,omitempty"`
	Algorithm string `cbor:"algorithm,omitempty"`
	Key       []byte `cbor:"key,omitempty"`
}

// RegistrationRequest publishes the agent's compiled rule set.
type RegistrationRequest struct {
	AgentID   string               `cbor:"agentId"`
	SocksPort int                  `cbor:"socksPort"`
	Rules     []rules.ResourceRule `cbor:"rules"`
}

// ServerConfig is configuration the broker pushes to the agent after a
// successful registration. Durations are in seconds.
type ServerConfig struct {
	HealthCheckInterval int `cbor:"healthCheckInterval"`
	HealthCheckTimeout  int `cbor:"healthCheckTimeout"`
}

// RegistrationResponse answers a [RegistrationRequest].
type RegistrationResponse struct {
	Result  Result       `cbor:"result"`
	Message string       `cbor:"message,omitempty"`
	Server  ServerConfig `cbor:"server"`
}

// HealthCheckType tells probes from answers.
type HealthCheckType string

const (
	HealthCheckRequest  HealthCheckType = "REQUEST"
	HealthCheckResponse HealthCheckType = "RESPONSE"
)

// HealthCheckSource names the side that produced a health check frame.
type HealthCheckSource string

const (
	SourceAgent  HealthCheckSource = "AGENT"
	SourceBroker HealthCheckSource = "BROKER"
)

// HealthCheckInfo is the payload of HEALTH_CHECK frames. Timestamp is unix
// milliseconds at the sender.
type HealthCheckInfo struct {
	Type      HealthCheckType   `cbor:"type"`
	Source    HealthCheckSource `cbor:"source"`
	Timestamp int64             `cbor:"timestamp"`
}

// Verb is a socket session request verb.
type Verb string

const (
	VerbCreate  Verb = "CREATE"
	VerbConnect Verb = "CONNECT"
	VerbClose   Verb = "CLOSE"
)

// SocketStatus is the status of a socket session reply.
type SocketStatus string

const (
	SocketOK            SocketStatus = "OK"
	SocketUnknownHost   SocketStatus = "UNKNOWN_HOST"
	SocketCannotConnect SocketStatus = "CANNOT_CONNECT"
	SocketError         SocketStatus = "ERROR"
)

// SocketSessionRequest asks the agent to act on one socket session.
type SocketSessionRequest struct {
	Handle   string `cbor:"handle"`
	Verb     Verb   `cbor:"verb"`
	Hostname string `cbor:"hostname,omitempty"`
	Port     int    `cbor:"port,omitempty"`
}

// SocketSessionReply answers a [SocketSessionRequest], echoing its fields.
type SocketSessionReply struct {
	Handle    string       `cbor:"handle"`
	Verb      Verb         `cbor:"verb"`
	Status    SocketStatus `cbor:"status"`
	Hostname  string       `cbor:"hostname,omitempty"`
	Port      int          `cbor:"port,omitempty"`
	LatencyMs int64        `cbor:"latencyMs"`
}

// SocketSessionData carries one segment of a socket session byte stream.
// Offset counts bytes previously sent in the same direction. Close marks the
// end of the sender's stream.
type SocketSessionData struct {
	Handle string `cbor:"handle"`
	Offset int64  `cbor:"offset"`
	Data   []byte `cbor:"data,omitempty"`
	Close  bool   `cbor:"close,omitempty"`
}

// Header is one HTTP header line in fetch messages.
type Header struct {
	Key   string `cbor:"key"`
	Value string `cbor:"value"`
}

// FetchRequest asks the agent to fetch an HTTP resource.
type FetchRequest struct {
	ID       string   `cbor:"id"`
	Resource string   `cbor:"resource"`
	Strategy string   `cbor:"strategy,omitempty"`
	Headers  []Header `cbor:"headers,omitempty"`
	Contents []byte   `cbor:"contents,omitempty"`
}

// FetchStatus is the agent-side outcome of a fetch.
type FetchStatus int

const (
	FetchOK                FetchStatus = 0
	FetchBadRequest        FetchStatus = 1
	FetchIOException       FetchStatus = 2
	FetchStrategyException FetchStatus = 3
	FetchAgentError        FetchStatus = 4
)

// FetchReply answers a [FetchRequest].
type FetchReply struct {
	ID         string      `cbor:"id"`
	Status     FetchStatus `cbor:"status"`
	HTTPStatus int         `cbor:"httpStatus,omitempty"`
	Headers    []Header    `cbor:"headers,omitempty"`
	Contents   []byte      `cbor:"contents,omitempty"`
	LatencyMs  int64       `cbor:"latencyMs"`
	Error      string      `cbor:"error,omitempty"`
}
