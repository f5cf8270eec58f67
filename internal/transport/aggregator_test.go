package transport

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"
)

// fakeChannel is a scripted in-memory Channel.
type fakeChannel struct {
	mu          sync.Mutex
	name        string
	mintCode    string
	connectErr  error
	sendErr     error
	state       ConnState
	session     string
	peerSet     []string
	sent        [][]byte
	events      chan Event
	disconnects int
}

func newFakeChannel(name, mintCode string) *fakeChannel {
	return &fakeChannel{name: name, mintCode: mintCode, events: make(chan Event, 16)}
}

func (f *fakeChannel) Connect(ctx context.Context, sessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return "", f.connectErr
	}
	if sessionID == "" {
		sessionID = f.mintCode
	}
	f.session = sessionID
	f.state = Connected
	return sessionID, nil
}

func (f *fakeChannel) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.state = Disconnected
	return nil
}

func (f *fakeChannel) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeChannel) ConnState() ConnState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) SessionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

func (f *fakeChannel) ConnectedPeers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.peerSet...)
}

func (f *fakeChannel) Events() <-chan Event { return f.events }

func (f *fakeChannel) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestConnectMintsOnceAndPropagates(t *testing.T) {
	a := newFakeChannel("a", "aaaa1111")
	b := newFakeChannel("b", "bbbb2222")
	agg := NewAggregator(a, b)

	code, err := agg.Connect(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if code != "aaaa1111" {
		t.Fatalf("minted code %q, want first child's aaaa1111", code)
	}
	if b.SessionID() != "aaaa1111" {
		t.Fatalf("second child joined %q, want the minted code", b.SessionID())
	}
	if agg.SessionID() != "aaaa1111" {
		t.Fatalf("aggregate session %q", agg.SessionID())
	}
}

func TestConnectSurvivesFailingChild(t *testing.T) {
	a := newFakeChannel("a", "aaaa1111")
	a.connectErr = fmt.Errorf("dial refused")
	b := newFakeChannel("b", "bbbb2222")
	agg := NewAggregator(a, b)

	code, err := agg.Connect(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if code != "bbbb2222" {
		t.Fatalf("code %q, want the surviving child to mint", code)
	}
	if agg.ConnState() != Connected {
		t.Fatalf("aggregate state %s, want connected", agg.ConnState())
	}
}

func TestConnectFailsWhenAllChildrenFail(t *testing.T) {
	a := newFakeChannel("a", "aaaa1111")
	a.connectErr = fmt.Errorf("dial refused")
	agg := NewAggregator(a)

	if _, err := agg.Connect(context.Background(), ""); err == nil {
		t.Fatal("expected error when no child connects")
	}
	if agg.ConnState() != Disconnected {
		t.Fatalf("state %s after total failure", agg.ConnState())
	}
}

func TestSendFansOutToConnectedChildren(t *testing.T) {
	a := newFakeChannel("a", "aaaa1111")
	b := newFakeChannel("b", "")
	c := newFakeChannel("c", "")
	agg := NewAggregator(a, b, c)

	if _, err := agg.Connect(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	// One child drops and one starts erroring; the send still succeeds.
	b.Disconnect()
	c.mu.Lock()
	c.sendErr = fmt.Errorf("broken pipe")
	c.mu.Unlock()

	if err := agg.Send([]byte("payload")); err != nil {
		t.Fatal(err)
	}
	if a.sentCount() != 1 {
		t.Fatalf("child a got %d sends, want 1", a.sentCount())
	}
	if b.sentCount() != 0 {
		t.Fatalf("disconnected child got %d sends", b.sentCount())
	}

	// With every child out, Send reports failure.
	a.Disconnect()
	if err := agg.Send([]byte("payload")); err == nil {
		t.Fatal("expected error with no connected children")
	}
}

func TestPeerSetIsUnion(t *testing.T) {
	a := newFakeChannel("a", "aaaa1111")
	b := newFakeChannel("b", "")
	agg := NewAggregator(a, b)

	if _, err := agg.Connect(context.Background(), ""); err != nil {
		t.Fatal(err)
	}

	a.events <- Event{Type: EventPeers, Peers: []string{"p1", "p2"}}
	b.events <- Event{Type: EventPeers, Peers: []string{"p2", "p3"}}

	want := []string{"p1", "p2", "p3"}
	deadline := time.After(time.Second)
	for {
		if got := agg.ConnectedPeers(); reflect.DeepEqual(got, want) {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("peers = %v, want %v", agg.ConnectedPeers(), want)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestAggregateStateIsBestOf(t *testing.T) {
	a := newFakeChannel("a", "aaaa1111")
	b := newFakeChannel("b", "")
	agg := NewAggregator(a, b)

	if _, err := agg.Connect(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	if agg.ConnState() != Connected {
		t.Fatalf("state %s, want connected", agg.ConnState())
	}

	// One child dropping leaves the aggregate connected.
	a.events <- Event{Type: EventState, State: Disconnected}
	time.Sleep(50 * time.Millisecond)
	if agg.ConnState() != Connected {
		t.Fatalf("state %s after one child dropped, want connected", agg.ConnState())
	}

	// Both children down takes it all the way to disconnected.
	b.events <- Event{Type: EventState, State: Disconnected}
	time.Sleep(50 * time.Millisecond)
	if agg.ConnState() != Disconnected {
		t.Fatalf("state %s with all children down", agg.ConnState())
	}
}

func TestMessagesFanIn(t *testing.T) {
	a := newFakeChannel("a", "aaaa1111")
	b := newFakeChannel("b", "")
	agg := NewAggregator(a, b)

	if _, err := agg.Connect(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	// Drain the connect-time events.
	drainFor(agg.Events(), 50*time.Millisecond)

	a.events <- Event{Type: EventMessage, From: "p1", Data: []byte("via-a")}
	b.events <- Event{Type: EventMessage, From: "p2", Data: []byte("via-b")}

	got := map[string]bool{}
	deadline := time.After(time.Second)
	for len(got) < 2 {
		select {
		case evt := <-agg.Events():
			if evt.Type == EventMessage {
				got[string(evt.Data)] = true
			}
		case <-deadline:
			t.Fatalf("received %v, want both messages", got)
		}
	}
	if !got["via-a"] || !got["via-b"] {
		t.Fatalf("received %v", got)
	}
}

func TestDisconnectTearsDownChildren(t *testing.T) {
	a := newFakeChannel("a", "aaaa1111")
	agg := NewAggregator(a)

	if _, err := agg.Connect(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	if err := agg.Disconnect(); err != nil {
		t.Fatal(err)
	}

	a.mu.Lock()
	disconnects := a.disconnects
	a.mu.Unlock()
	if disconnects != 1 {
		t.Fatalf("child disconnected %d times, want 1", disconnects)
	}
	if agg.SessionID() != "" {
		t.Fatalf("session id %q survives disconnect", agg.SessionID())
	}

	// Reconnect works after a full teardown.
	if _, err := agg.Connect(context.Background(), "rejoin99"); err != nil {
		t.Fatal(err)
	}
	if agg.SessionID() != "rejoin99" {
		t.Fatalf("session %q after reconnect", agg.SessionID())
	}
}

func drainFor(ch <-chan Event, d time.Duration) {
	deadline := time.After(d)
	for {
		select {
		case <-ch:
		case <-deadline:
			return
		}
	}
}
