package session

import (
	"fmt"
	"log"
	"time"

	"github.com/petervdpas/tunelink/internal/proto"
	"github.com/petervdpas/tunelink/internal/state"
	"github.com/petervdpas/tunelink/internal/util"
)

// ── Public control surface ───────────────────────────────────────────────────
//
// On the host these mutate the authoritative state and broadcast. On a
// participant they only emit request events — the local sink is never
// touched until the host's confirming StateSync comes back through the
// apply pipeline.

// PlayTrack starts a track from the given position for the whole session.
func (s *Session) PlayTrack(mediaID string, startPos int64) error {
	s.mu.Lock()
	role := s.role
	phase := s.phase
	s.mu.Unlock()
	if phase != PhaseConnected {
		return fmt.Errorf("no active session")
	}

	if role == RoleParticipant {
		s.send(&proto.Play{MediaID: mediaID, StartPos: startPos, Requester: s.selfID})
		return nil
	}

	title, artist, art := s.trackMeta(mediaID)
	s.authoritative(func(st *state.SessionState) {
		st.CurrentMediaID = mediaID
		st.Title, st.Artist, st.ArtURL = title, artist, art
		st.PlaybackStatus = state.StatusPlaying
		// Anchor slightly in the future so every peer starts at the same
		// global instant instead of chasing an already-running stream.
		st.TrackStartGlobalTime = util.NowMillis() + s.cfg.JoinLeadMs
		st.PositionAtAnchor = startPos
	})
	return nil
}

// Resume continues playback of the current track.
func (s *Session) Resume() error {
	s.mu.Lock()
	role := s.role
	phase := s.phase
	mediaID := s.st.CurrentMediaID
	pos := s.st.ProjectedPosition(s.globalNowLocked())
	s.mu.Unlock()
	if phase != PhaseConnected {
		return fmt.Errorf("no active session")
	}
	if mediaID == "" {
		return fmt.Errorf("no track loaded")
	}

	if role == RoleParticipant {
		s.send(&proto.Play{MediaID: mediaID, StartPos: pos, Requester: s.selfID})
		return nil
	}

	s.authoritative(func(st *state.SessionState) {
		st.PlaybackStatus = state.StatusPlaying
		st.TrackStartGlobalTime = util.NowMillis()
		st.PositionAtAnchor = pos
	})
	return nil
}

// Pause halts playback for the whole session.
func (s *Session) Pause() error {
	s.mu.Lock()
	role := s.role
	phase := s.phase
	pos := s.playback.PositionMs
	s.mu.Unlock()
	if phase != PhaseConnected {
		return fmt.Errorf("no active session")
	}

	if role == RoleParticipant {
		s.send(&proto.Pause{Pos: pos, Requester: s.selfID})
		return nil
	}

	s.authoritative(func(st *state.SessionState) {
		st.PlaybackStatus = state.StatusPaused
		st.TrackStartGlobalTime = util.NowMillis()
		st.PositionAtAnchor = pos
	})
	return nil
}

// SeekTo jumps the whole session to a position.
func (s *Session) SeekTo(pos int64) error {
	s.mu.Lock()
	role := s.role
	phase := s.phase
	s.mu.Unlock()
	if phase != PhaseConnected {
		return fmt.Errorf("no active session")
	}

	if role == RoleParticipant {
		s.send(&proto.Seek{Pos: pos, Requester: s.selfID})
		return nil
	}

	s.authoritative(func(st *state.SessionState) {
		st.TrackStartGlobalTime = util.NowMillis()
		st.PositionAtAnchor = pos
	})
	return nil
}

// SetSpeed changes the session playback rate. Authority only.
func (s *Session) SetSpeed(x float64) error {
	if x <= 0 {
		return fmt.Errorf("invalid speed %v", x)
	}
	s.authoritative(func(st *state.SessionState) {
		st.PositionAtAnchor = st.ProjectedPosition(util.NowMillis())
		st.TrackStartGlobalTime = util.NowMillis()
		st.PlaybackSpeed = x
	})
	return nil
}

// SetHostOnlyMode toggles whether participant control requests are
// honored. Authority only; heartbeats and state requests keep working
// either way.
func (s *Session) SetHostOnlyMode(on bool) error {
	s.authoritative(func(st *state.SessionState) {
		st.HostOnlyMode = on
	})
	return nil
}

// ── Authoritative mutation ───────────────────────────────────────────────────

// authoritative runs one host-side state mutation: bump the version,
// refresh the peer maps, broadcast, and route the new snapshot through
// the same apply pipeline the participants use. On a non-host this is a
// logged no-op.
func (s *Session) authoritative(mutate func(st *state.SessionState)) {
	s.mu.Lock()
	if s.role != RoleHost {
		role := s.role
		s.mu.Unlock()
		log.Printf("SESSION: WARNING: authority-only operation ignored (role=%s)", role)
		return
	}
	next := s.st.Clone()
	mutate(&next)
	next.StateVersion = s.st.StateVersion + 1
	next.IsAuthority = true
	next.PeerNames = s.roster.Names()
	next.PeerAvatars = s.roster.Avatars()
	next.PeerUIDs = s.roster.UIDs()
	s.st = next
	snap := next.Clone()
	s.mu.Unlock()

	s.send(&proto.StateSync{State: snap})
	s.applySnapshot(snap)
}

// ── Participant request handling (host side) ─────────────────────────────────

// handleControlRequest stages a participant-originated Play/Pause/Seek.
// Requests inside the coalesce window merge into a single broadcast so a
// burst of concurrent edits costs one version bump, not a storm.
func (s *Session) handleControlRequest(ev proto.Event, from string) {
	s.mu.Lock()
	if s.role != RoleHost {
		s.mu.Unlock()
		return
	}
	if s.st.HostOnlyMode {
		s.mu.Unlock()
		log.Printf("SESSION: Host-only mode, ignoring %s request from %s", ev.Kind(), from)
		return
	}
	s.pending = append(s.pending, pendingRequest{ev: ev, from: from})
	if s.pendingTimer == nil {
		s.pendingTimer = time.AfterFunc(
			time.Duration(s.cfg.CoalesceWindowMs)*time.Millisecond, s.flushPending)
	}
	s.mu.Unlock()

	name := nameOr(s.roster.Get(from).Name, from)
	s.notify(fmt.Sprintf("%s requested %s", name, ev.Kind()))
}

// flushPending merges the staged requests into one authoritative update.
func (s *Session) flushPending() {
	s.mu.Lock()
	reqs := s.pending
	s.pending = nil
	s.pendingTimer = nil
	if s.role != RoleHost || len(reqs) == 0 {
		s.mu.Unlock()
		return
	}
	now := util.NowMillis()
	next := s.st.Clone()
	for _, r := range reqs {
		s.applyRequest(&next, r, now)
	}
	next.StateVersion = s.st.StateVersion + 1
	next.IsAuthority = true
	next.PeerNames = s.roster.Names()
	next.PeerAvatars = s.roster.Avatars()
	next.PeerUIDs = s.roster.UIDs()
	s.st = next
	snap := next.Clone()
	s.mu.Unlock()

	log.Printf("SESSION: Coalesced %d request(s) into v%d", len(reqs), snap.StateVersion)
	s.send(&proto.StateSync{State: snap})
	s.applySnapshot(snap)
}

// applyRequest folds one participant request into the draft state.
func (s *Session) applyRequest(st *state.SessionState, r pendingRequest, now int64) {
	switch e := r.ev.(type) {
	case *proto.Play:
		if e.MediaID != "" && e.MediaID != st.CurrentMediaID {
			st.CurrentMediaID = e.MediaID
			st.Title, st.Artist, st.ArtURL = s.trackMeta(e.MediaID)
			if e.Title != "" {
				st.Title, st.Artist, st.ArtURL = e.Title, e.Artist, e.ArtURL
			}
		}
		if e.Speed > 0 {
			st.PlaybackSpeed = e.Speed
		}
		st.PlaybackStatus = state.StatusPlaying
		st.TrackStartGlobalTime = now
		st.PositionAtAnchor = e.StartPos
	case *proto.Pause:
		st.PlaybackStatus = state.StatusPaused
		st.TrackStartGlobalTime = now
		st.PositionAtAnchor = e.Pos
	case *proto.Seek:
		st.TrackStartGlobalTime = now
		st.PositionAtAnchor = e.Pos
	}
}

// ── State requests and heartbeats (host side) ────────────────────────────────

// hostAnswerStateRequest responds to a Join or RequestState with a fresh
// snapshot. Answered even in host-only mode.
func (s *Session) hostAnswerStateRequest(from string) {
	s.mu.Lock()
	role := s.role
	s.mu.Unlock()
	if role != RoleHost {
		return
	}
	log.Printf("SESSION: State requested by %s", from)
	s.hostBroadcastState()
}

// hostBroadcastState broadcasts the current state re-anchored slightly in
// the future, so a joiner locks onto a live stream instead of trailing it.
func (s *Session) hostBroadcastState() {
	s.mu.Lock()
	if s.role != RoleHost {
		role := s.role
		s.mu.Unlock()
		log.Printf("SESSION: WARNING: authority-only operation ignored (role=%s)", role)
		return
	}
	now := util.NowMillis()
	next := s.st.Clone()
	if next.PlaybackStatus == state.StatusPlaying && next.CurrentMediaID != "" {
		speed := next.PlaybackSpeed
		if speed <= 0 {
			speed = 1.0
		}
		lead := s.cfg.JoinLeadMs
		pos := next.ProjectedPosition(now)
		next.TrackStartGlobalTime = now + lead
		next.PositionAtAnchor = pos + int64(float64(lead)*speed)
	} else {
		next.TrackStartGlobalTime = now
	}
	next.StateVersion = s.st.StateVersion + 1
	next.IsAuthority = true
	next.PeerNames = s.roster.Names()
	next.PeerAvatars = s.roster.Avatars()
	next.PeerUIDs = s.roster.UIDs()
	s.st = next
	snap := next.Clone()
	s.mu.Unlock()

	s.send(&proto.StateSync{State: snap})
	s.applySnapshot(snap)
}

// hostAnswerPing answers a heartbeat probe with both server timestamps.
// Participants ignore pings — only the authority's clock is a reference.
func (s *Session) hostAnswerPing(e *proto.Ping, from string) {
	s.mu.Lock()
	role := s.role
	s.mu.Unlock()
	if role != RoleHost {
		return
	}
	recv := util.NowMillis()
	s.roster.Touch(from)
	s.send(&proto.Pong{
		ID:              e.ID,
		ClientTime:      e.ClientTime,
		ServerRecvTime:  recv,
		ServerReplyTime: util.NowMillis(),
	})
}
