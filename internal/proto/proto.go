// Package proto defines the sync event wire protocol. Events travel as a
// self-describing JSON envelope {kind, ts, payload}; the payload schema is
// fixed per kind. Peers only need to agree on this encoding — transport
// layers treat the bytes as opaque.
package proto

import (
	"encoding/json"
	"fmt"

	"github.com/petervdpas/tunelink/internal/state"
)

const (
	// SessionTopicPrefix + session code + SessionTopicVersion forms the
	// pubsub topic a session lives on.
	SessionTopicPrefix  = "tunelink.session."
	SessionTopicVersion = ".v1"

	MdnsTag = "tunelink-mdns"
)

// SessionTopic returns the pubsub topic name for a session code.
func SessionTopic(code string) string {
	return SessionTopicPrefix + code + SessionTopicVersion
}

// Event kinds.
const (
	KindPlay         = "play"
	KindPause        = "pause"
	KindSeek         = "seek"
	KindStateSync    = "state_sync"
	KindRequestState = "request_state"
	KindJoin         = "join"
	KindPing         = "ping"
	KindPong         = "pong"
)

// Event is a decoded sync event. The closed set of implementations lives
// in this package; adding a kind means adding a payload struct and a case
// in Decode.
type Event interface {
	Kind() string
}

// Play starts or resumes a track. On a participant it is a request; from
// the host it is authoritative.
type Play struct {
	MediaID   string  `json:"media_id"`
	StartPos  int64   `json:"start_pos"`
	Speed     float64 `json:"speed,omitempty"`
	Title     string  `json:"title,omitempty"`
	Artist    string  `json:"artist,omitempty"`
	ArtURL    string  `json:"art_url,omitempty"`
	Requester string  `json:"requester,omitempty"`
}

func (Play) Kind() string { return KindPlay }

// Pause halts playback at a position.
type Pause struct {
	Pos       int64  `json:"pos"`
	Requester string `json:"requester,omitempty"`
}

func (Pause) Kind() string { return KindPause }

// Seek jumps to a position without changing play/pause state.
type Seek struct {
	Pos       int64  `json:"pos"`
	Requester string `json:"requester,omitempty"`
}

func (Seek) Kind() string { return KindSeek }

// StateSync carries the full authoritative session snapshot.
type StateSync struct {
	State state.SessionState `json:"state"`
}

func (StateSync) Kind() string { return KindStateSync }

// RequestState asks the host for a fresh StateSync.
type RequestState struct {
	Sender string `json:"sender,omitempty"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

func (RequestState) Kind() string { return KindRequestState }

// Join announces a peer's profile to the session.
type Join struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	UID    string `json:"uid,omitempty"`
}

func (Join) Kind() string { return KindJoin }

// Ping is a heartbeat probe. ClientTime is the sender's local clock so the
// matching Pong doubles as a clock-sync round trip.
type Ping struct {
	ID         string `json:"id"`
	ClientTime int64  `json:"client_time"`
}

func (Ping) Kind() string { return KindPing }

// Pong answers a Ping, echoing its id and client time and adding the
// authority's receive/reply timestamps.
type Pong struct {
	ID              string `json:"id"`
	ClientTime      int64  `json:"client_time"`
	ServerRecvTime  int64  `json:"server_recv_time"`
	ServerReplyTime int64  `json:"server_reply_time"`
}

func (Pong) Kind() string { return KindPong }

// envelope is the outer wire format.
type envelope struct {
	Kind    string          `json:"kind"`
	TS      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps an event in an envelope stamped with the given global time.
func Encode(ts int64, ev Event) ([]byte, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", ev.Kind(), err)
	}
	return json.Marshal(envelope{Kind: ev.Kind(), TS: ts, Payload: payload})
}

// Decode parses a wire message into a typed event and its global timestamp.
// Unknown kinds and garbled payloads return an error; callers log and drop.
func Decode(raw []byte) (Event, int64, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, 0, fmt.Errorf("decode envelope: %w", err)
	}

	var ev Event
	switch env.Kind {
	case KindPlay:
		ev = &Play{}
	case KindPause:
		ev = &Pause{}
	case KindSeek:
		ev = &Seek{}
	case KindStateSync:
		ev = &StateSync{}
	case KindRequestState:
		ev = &RequestState{}
	case KindJoin:
		ev = &Join{}
	case KindPing:
		ev = &Ping{}
	case KindPong:
		ev = &Pong{}
	default:
		return nil, 0, fmt.Errorf("unknown event kind %q", env.Kind)
	}

	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, ev); err != nil {
			return nil, 0, fmt.Errorf("decode %s payload: %w", env.Kind, err)
		}
	}
	return ev, env.TS, nil
}
