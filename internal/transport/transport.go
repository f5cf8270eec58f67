// Package transport defines the channel contract the session engine
// consumes, and an aggregator that fans one logical channel out across
// several redundant underlying channels.
package transport

import "context"

// ConnState is a channel's connection state.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// EventType discriminates channel events.
type EventType string

const (
	EventState   EventType = "state"   // connection state changed
	EventMessage EventType = "message" // inbound payload
	EventPeers   EventType = "peers"   // connected peer set changed
	EventSession EventType = "session" // session id became known
)

// Event is emitted by a channel. Exactly the fields for its type are set.
type Event struct {
	Type      EventType
	State     ConnState
	From      string // sender peer id, may be empty
	Data      []byte // opaque payload
	Peers     []string
	SessionID string
}

// Channel is a single bidirectional session channel. Connect with an empty
// session id creates/hosts a session and returns the minted code; a
// non-empty id joins an existing one. Implementations deliver Events on
// the channel returned by Events for the lifetime of the value.
type Channel interface {
	// Connect returns the effective session id.
	Connect(ctx context.Context, sessionID string) (string, error)
	Disconnect() error

	// Send transmits an opaque payload to all reachable session peers.
	Send(data []byte) error

	ConnState() ConnState
	SessionID() string
	ConnectedPeers() []string

	Events() <-chan Event
}
