package proto

import (
	"strings"
	"testing"

	"github.com/petervdpas/tunelink/internal/state"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	events := []Event{
		&Play{MediaID: "abc123", StartPos: 4500, Speed: 1.25, Title: "Song", Artist: "Band", Requester: "peer-1"},
		&Pause{Pos: 61000, Requester: "peer-2"},
		&Seek{Pos: 120000},
		&RequestState{Sender: "peer-3", Name: "Ada"},
		&Join{Name: "Ada", Avatar: "a.png", UID: "uid-1"},
		&Ping{ID: "ping-1", ClientTime: 1111},
		&Pong{ID: "ping-1", ClientTime: 1111, ServerRecvTime: 1120, ServerReplyTime: 1121},
	}

	for _, ev := range events {
		t.Run(ev.Kind(), func(t *testing.T) {
			raw, err := Encode(9999, ev)
			if err != nil {
				t.Fatal(err)
			}
			got, ts, err := Decode(raw)
			if err != nil {
				t.Fatal(err)
			}
			if ts != 9999 {
				t.Fatalf("ts = %d, want 9999", ts)
			}
			if got.Kind() != ev.Kind() {
				t.Fatalf("kind = %s, want %s", got.Kind(), ev.Kind())
			}
		})
	}
}

func TestDecodePreservesPayloadFields(t *testing.T) {
	raw, err := Encode(0, &Play{MediaID: "abc123", StartPos: 4500, Speed: 1.25, Requester: "peer-1"})
	if err != nil {
		t.Fatal(err)
	}
	ev, _, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	play, ok := ev.(*Play)
	if !ok {
		t.Fatalf("decoded %T, want *Play", ev)
	}
	if play.MediaID != "abc123" || play.StartPos != 4500 || play.Speed != 1.25 || play.Requester != "peer-1" {
		t.Fatalf("payload fields lost: %+v", play)
	}
}

func TestStateSyncCarriesSnapshot(t *testing.T) {
	snap := state.SessionState{
		SessionID:            "3f9a2b1c",
		CurrentMediaID:       "abc123",
		PlaybackStatus:       state.StatusPlaying,
		TrackStartGlobalTime: 1_700_000_000_000,
		PositionAtAnchor:     30000,
		PlaybackSpeed:        1.0,
		StateVersion:         7,
		PeerNames:            map[string]string{"p1": "Ada"},
	}

	raw, err := Encode(1_700_000_000_500, &StateSync{State: snap})
	if err != nil {
		t.Fatal(err)
	}
	ev, _, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	got := ev.(*StateSync).State
	if got.StateVersion != 7 || got.CurrentMediaID != "abc123" ||
		got.TrackStartGlobalTime != 1_700_000_000_000 || got.PositionAtAnchor != 30000 {
		t.Fatalf("snapshot mangled: %+v", got)
	}
	if got.PeerNames["p1"] != "Ada" {
		t.Fatalf("peer names lost: %+v", got.PeerNames)
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, _, err := Decode([]byte(`{"kind":"teleport","ts":1,"payload":{}}`))
	if err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if !strings.Contains(err.Error(), "teleport") {
		t.Fatalf("error should name the kind: %v", err)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, _, err := Decode([]byte("not json at all")); err == nil {
		t.Fatal("expected error for non-JSON input")
	}
	if _, _, err := Decode([]byte(`{"kind":"play","ts":1,"payload":"not-an-object"}`)); err == nil {
		t.Fatal("expected error for mistyped payload")
	}
}

func TestSessionTopic(t *testing.T) {
	got := SessionTopic("3f9a2b1c")
	if got != "tunelink.session.3f9a2b1c.v1" {
		t.Fatalf("topic = %q", got)
	}
}
