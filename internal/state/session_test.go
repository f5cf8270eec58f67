package state

import "testing"

func TestProjectedPosition(t *testing.T) {
	st := SessionState{
		PlaybackStatus:       StatusPlaying,
		TrackStartGlobalTime: 1000,
		PositionAtAnchor:     30_000,
		PlaybackSpeed:        1.0,
	}

	t.Run("advances with global time", func(t *testing.T) {
		if got := st.ProjectedPosition(6000); got != 35_000 {
			t.Fatalf("projected %d, want 35000", got)
		}
	})

	t.Run("scales with speed", func(t *testing.T) {
		fast := st
		fast.PlaybackSpeed = 2.0
		if got := fast.ProjectedPosition(6000); got != 40_000 {
			t.Fatalf("projected %d at 2x, want 40000", got)
		}
	})

	t.Run("zero speed treated as 1x", func(t *testing.T) {
		legacy := st
		legacy.PlaybackSpeed = 0
		if got := legacy.ProjectedPosition(6000); got != 35_000 {
			t.Fatalf("projected %d with unset speed, want 35000", got)
		}
	})

	t.Run("pinned while paused", func(t *testing.T) {
		paused := st
		paused.PlaybackStatus = StatusPaused
		if got := paused.ProjectedPosition(999_999); got != 30_000 {
			t.Fatalf("paused projection %d, want anchor 30000", got)
		}
	})

	t.Run("future anchor projects backward", func(t *testing.T) {
		// Before the anchored start instant the projection sits behind
		// the anchor position.
		if got := st.ProjectedPosition(500); got != 29_500 {
			t.Fatalf("projected %d before anchor, want 29500", got)
		}
	})
}

func TestCloneIsDeep(t *testing.T) {
	orig := SessionState{
		ConnectedPeers: []string{"p1"},
		PeerNames:      map[string]string{"p1": "Ada"},
		StateVersion:   3,
	}
	cp := orig.Clone()
	cp.ConnectedPeers[0] = "mutated"
	cp.PeerNames["p1"] = "mutated"

	if orig.ConnectedPeers[0] != "p1" || orig.PeerNames["p1"] != "Ada" {
		t.Fatalf("clone aliases the original: %+v", orig)
	}
}
