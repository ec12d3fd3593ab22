// Package tunnelproto defines the frame protocol exchanged between the agent
// and the broker over a single tunnel connection: the frame envelope, its
// stream encoding, the typed payload messages, and the write pump that
// serializes outbound frames.
package tunnelproto

import "strconv"

// Type identifies the payload carried by a [Frame].
type Type uint8

// Frame types. Values are part of the wire format.
const (
	TypeUnknown       Type = 0
	TypeAuthorization Type = 1
	TypeRegistration  Type = 2
	TypeHealthCheck   Type = 3
	TypeFetchRequest  Type = 4
	TypeFetchReply    Type = 5
	TypeSocketSession Type = 6
	TypeSocketData    Type = 7
)

var typeNames = map[Type]string{
	TypeAuthorization: "AUTHORIZATION",
	TypeRegistration:  "REGISTRATION",
	TypeHealthCheck:   "HEALTH_CHECK",
	TypeFetchRequest:  "FETCH_REQUEST",
	TypeFetchReply:    "FETCH_REPLY",
	TypeSocketSession: "SOCKET_SESSION",
	TypeSocketData:    "SOCKET_DATA",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "TYPE_" + strconv.Itoa(int(t))
}

// Control reports whether frames of this type use the pump's priority lane.
func (t Type) Control() bool {
	switch t {
	case TypeAuthorization, TypeRegistration, TypeHealthCheck:
		return true
	}
	return false
}

// Frame is the envelope for every exchange after the transport connects.
// Frames are built fresh for each send and handed to exactly one handler on
// receipt; they are not mutated after construction.
type Frame struct {
	Type Type
	// Sequence is assigned by the sending pump. It is monotonic per sender and
	// used for diagnostics only.
	Sequence uint64
	// SessionID is set when Payload is encrypted for a tunnel session.
	SessionID string
	Payload   []byte
}
