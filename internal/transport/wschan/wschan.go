// Package wschan implements the transport channel contract over a
// websocket relay server. It is the fallback path for peers that cannot
// reach each other directly: everyone in a session joins the same relay
// room and the relay echoes frames to the other members.
package wschan

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/tunelink/internal/transport"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 5 * time.Second
	pingInterval = 20 * time.Second
)

// frame is the relay wire format. The relay fills From on delivery and
// answers a "join" frame with a "peers" frame; subsequent membership
// changes arrive as further "peers" frames.
type frame struct {
	Op    string   `json:"op"` // join, data, peers
	Room  string   `json:"room,omitempty"`
	From  string   `json:"from,omitempty"`
	Data  []byte   `json:"data,omitempty"`
	Peers []string `json:"peers,omitempty"`
}

// Channel is a websocket-relay-backed transport channel. It satisfies
// transport.Channel.
type Channel struct {
	relayURL string
	clientID string

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	state   transport.ConnState
	session string
	peers   []string
	cancel  context.CancelFunc

	events chan transport.Event
}

// New creates a channel that will dial the given relay URL
// (e.g. wss://relay.example.org/ws) on Connect.
func New(relayURL string) *Channel {
	return &Channel{
		relayURL: relayURL,
		clientID: uuid.NewString(),
		state:    transport.Disconnected,
		events:   make(chan transport.Event, 64),
	}
}

// Connect dials the relay and joins the session room. An empty session id
// mints a new room code.
func (c *Channel) Connect(ctx context.Context, sessionID string) (string, error) {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return "", fmt.Errorf("already connected")
	}
	c.state = transport.Connecting
	c.mu.Unlock()
	c.emit(transport.Event{Type: transport.EventState, State: transport.Connecting})

	if sessionID == "" {
		id := uuid.NewString()
		sessionID = id[:8]
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.relayURL, nil)
	if err != nil {
		c.setState(transport.Disconnected)
		return "", fmt.Errorf("dial relay: %w", err)
	}

	if err := c.write(conn, frame{Op: "join", Room: sessionID, From: c.clientID}); err != nil {
		conn.Close()
		c.setState(transport.Disconnected)
		return "", fmt.Errorf("join room: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.session = sessionID
	c.cancel = cancel
	c.state = transport.Connected
	c.mu.Unlock()

	go c.readLoop(loopCtx, conn)
	go c.keepalive(loopCtx, conn)

	c.emit(transport.Event{Type: transport.EventSession, SessionID: sessionID})
	c.emit(transport.Event{Type: transport.EventState, State: transport.Connected})
	log.Printf("WSCHAN: Joined room %s on %s", sessionID, c.relayURL)
	return sessionID, nil
}

// Disconnect closes the relay connection.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	conn, cancel := c.conn, c.cancel
	c.conn, c.cancel = nil, nil
	c.session = ""
	c.peers = nil
	c.state = transport.Disconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
	c.emit(transport.Event{Type: transport.EventState, State: transport.Disconnected})
	return nil
}

// Send relays an opaque payload to the other room members.
func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	conn, room := c.conn, c.session
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.write(conn, frame{Op: "data", Room: room, From: c.clientID, Data: data})
}

func (c *Channel) ConnState() transport.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *Channel) ConnectedPeers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.peers...)
}

func (c *Channel) Events() <-chan transport.Event {
	return c.events
}

func (c *Channel) write(conn *websocket.Conn, f frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("WSCHAN: Relay connection lost: %v", err)
				c.setState(transport.Disconnected)
			}
			return
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			log.Printf("WSCHAN: Dropping malformed relay frame: %v", err)
			continue
		}

		switch f.Op {
		case "data":
			if f.From == c.clientID {
				continue
			}
			c.emit(transport.Event{Type: transport.EventMessage, From: f.From, Data: f.Data})
		case "peers":
			others := f.Peers[:0:0]
			for _, p := range f.Peers {
				if p != c.clientID {
					others = append(others, p)
				}
			}
			c.mu.Lock()
			c.peers = others
			c.mu.Unlock()
			c.emit(transport.Event{Type: transport.EventPeers, Peers: others})
		}
	}
}

// keepalive pings the relay so intermediaries don't drop the idle socket.
func (c *Channel) keepalive(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (c *Channel) setState(st transport.ConnState) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
	c.emit(transport.Event{Type: transport.EventState, State: st})
}

func (c *Channel) emit(evt transport.Event) {
	select {
	case c.events <- evt:
	default:
	}
}
