package transport

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
)

// Aggregator presents several redundant channels as one Channel. Sends fan
// out to every connected child, receives fan in, the peer set is the union
// of the children's sets, and the aggregate connection state is the best
// any child offers. A failing child never fails the aggregate — it simply
// stops contributing.
type Aggregator struct {
	mu       sync.Mutex
	children []Channel
	states   []ConnState
	peers    [][]string
	session  string
	events   chan Event
	stop     context.CancelFunc
	running  bool
}

// NewAggregator wraps the given channels. At least one child is required.
func NewAggregator(children ...Channel) *Aggregator {
	a := &Aggregator{
		children: children,
		states:   make([]ConnState, len(children)),
		peers:    make([][]string, len(children)),
		events:   make(chan Event, 64),
	}
	return a
}

// Connect connects every child. With an empty session id the first child
// that connects mints the code and the remaining children join it. The
// aggregate succeeds if at least one child connects.
func (a *Aggregator) Connect(ctx context.Context, sessionID string) (string, error) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return "", fmt.Errorf("already connected")
	}
	a.running = true
	loopCtx, cancel := context.WithCancel(context.Background())
	a.stop = cancel
	a.mu.Unlock()

	connected := 0
	for i, ch := range a.children {
		id, err := ch.Connect(ctx, sessionID)
		if err != nil {
			log.Printf("TRANSPORT: Channel %d connect failed: %v", i, err)
			continue
		}
		connected++
		if sessionID == "" && id != "" {
			sessionID = id
		}
		go a.forward(loopCtx, i, ch)
	}

	if connected == 0 {
		cancel()
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
		return "", fmt.Errorf("no transport channel could connect")
	}

	a.mu.Lock()
	a.session = sessionID
	for i, ch := range a.children {
		a.states[i] = ch.ConnState()
		a.peers[i] = ch.ConnectedPeers()
	}
	a.mu.Unlock()

	a.emit(Event{Type: EventSession, SessionID: sessionID})
	a.emit(Event{Type: EventState, State: a.ConnState()})
	return sessionID, nil
}

// forward relays one child's events into the aggregate stream.
func (a *Aggregator) forward(ctx context.Context, idx int, ch Channel) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch.Events():
			if !ok {
				return
			}
			switch evt.Type {
			case EventMessage:
				a.emit(evt)
			case EventState:
				a.mu.Lock()
				a.states[idx] = evt.State
				a.mu.Unlock()
				a.emit(Event{Type: EventState, State: a.ConnState()})
			case EventPeers:
				a.mu.Lock()
				a.peers[idx] = evt.Peers
				a.mu.Unlock()
				a.emit(Event{Type: EventPeers, Peers: a.ConnectedPeers()})
			case EventSession:
				a.mu.Lock()
				if a.session == "" {
					a.session = evt.SessionID
				}
				a.mu.Unlock()
			}
		}
	}
}

// Disconnect disconnects every child. Child errors are logged, not
// propagated — teardown is best effort.
func (a *Aggregator) Disconnect() error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	stop := a.stop
	a.session = ""
	for i := range a.states {
		a.states[i] = Disconnected
		a.peers[i] = nil
	}
	a.mu.Unlock()

	if stop != nil {
		stop()
	}
	for i, ch := range a.children {
		if err := ch.Disconnect(); err != nil {
			log.Printf("TRANSPORT: Channel %d disconnect: %v", i, err)
		}
	}
	a.emit(Event{Type: EventState, State: Disconnected})
	return nil
}

// Send fans the payload out to every currently connected child.
func (a *Aggregator) Send(data []byte) error {
	sent := 0
	for i, ch := range a.children {
		if ch.ConnState() != Connected {
			continue
		}
		if err := ch.Send(data); err != nil {
			log.Printf("TRANSPORT: Channel %d send failed: %v", i, err)
			continue
		}
		sent++
	}
	if sent == 0 {
		return fmt.Errorf("no connected transport channel")
	}
	return nil
}

// ConnState is Connected if any child is connected, else Connecting if any
// child is still trying, else Disconnected.
func (a *Aggregator) ConnState() ConnState {
	a.mu.Lock()
	defer a.mu.Unlock()
	best := Disconnected
	for _, st := range a.states {
		if st > best {
			best = st
		}
	}
	return best
}

// SessionID returns the first session id any child reported.
func (a *Aggregator) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// ConnectedPeers returns the sorted union of all children's peer sets.
func (a *Aggregator) ConnectedPeers() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, set := range a.peers {
		for _, p := range set {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Events returns the aggregated event stream.
func (a *Aggregator) Events() <-chan Event {
	return a.events
}

func (a *Aggregator) emit(evt Event) {
	select {
	case a.events <- evt:
	default:
		// Consumer stalled; drop rather than block transport delivery.
	}
}
