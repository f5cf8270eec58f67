package session

import (
	"context"
	"log"
	"time"

	"github.com/petervdpas/tunelink/internal/state"
)

// applyPlan is the set of sink actions one snapshot apply decided on.
// Decisions are made under the lock; the sink is driven after release so
// a slow sink never stalls the event intake.
type applyPlan struct {
	version uint64
	snap    state.SessionState
	target  int64

	loadTrack bool
	autoPlay  bool
	play      bool
	pause     bool
	seek      bool
	seekPos   int64
	setSpeed  bool
	speed     float64

	// startAtGlobal > 0 schedules a deferred play at that exact global
	// instant (perfect initial sync for future-anchored tracks).
	startAtGlobal int64

	// preBuffer runs the seek-ahead/settle/reseek maneuver instead of a
	// plain corrective seek.
	preBuffer bool
}

// applySnapshot is the single write path for local playback. Every
// authoritative snapshot — remote or the host's own — funnels through
// here, ordered by state version.
func (s *Session) applySnapshot(snap state.SessionState) {
	s.mu.Lock()

	v := snap.StateVersion

	// 1. Strict version ordering. Version 0 marks a locally derived
	// re-sync and is always fresh.
	if v != 0 && v <= s.lastAppliedVersion {
		s.mu.Unlock()
		log.Printf("SESSION: Ignoring stale snapshot v%d (applied v%d)", v, s.lastAppliedVersion)
		return
	}

	// 2. An apply for an equal or newer version is already in flight; a
	// stale queued snapshot must not clobber it.
	if s.applyingSet && v != 0 && s.applying >= v {
		s.mu.Unlock()
		log.Printf("SESSION: Ignoring snapshot v%d (apply of v%d in flight)", v, s.applying)
		return
	}

	role := s.role
	nowG := s.globalNowLocked()
	now := time.Now()

	// Target position by anchor projection, plus the participant lead
	// that compensates one-way network and processing latency.
	target := snap.ProjectedPosition(nowG)
	if role == RoleParticipant && snap.PlaybackStatus == state.StatusPlaying {
		target += s.cfg.LeadMs
	}
	if target < 0 {
		target = 0
	}

	// 3. Dedup window: retransmission and jitter noise is absorbed, not
	// re-applied.
	la := s.lastApplied
	if v != 0 && la.valid &&
		la.mediaID == snap.CurrentMediaID &&
		la.status == snap.PlaybackStatus &&
		abs64(la.pos-target) < s.cfg.DedupPositionMs &&
		now.Sub(la.at) < time.Duration(s.cfg.DedupWindowMs)*time.Millisecond {
		s.mu.Unlock()
		log.Printf("SESSION: Deduplicated snapshot v%d", v)
		return
	}

	s.applying = v
	s.applyingSet = true

	// A new authoritative state supersedes any scheduled start or
	// pending pre-buffer settle.
	if s.schedCancel != nil {
		s.schedCancel()
		s.schedCancel = nil
	}

	plan := s.planLocked(snap, role, nowG, target)
	if v == 0 {
		// Deferred actions (scheduled start, settle reseek) guard
		// against newer applies by version; a local re-sync inherits
		// the version it is re-applying.
		plan.version = s.lastAppliedVersion
	}

	// Adopt the replicated state. The local role decides authority, not
	// the broadcast flag.
	adopted := snap.Clone()
	adopted.IsAuthority = role == RoleHost
	adopted.SyncStatus = state.SyncSyncing
	if v == 0 {
		adopted.StateVersion = s.st.StateVersion
	}
	s.st = adopted
	s.echoUntil = now.Add(time.Duration(s.cfg.EchoWindowMs) * time.Millisecond)
	s.mu.Unlock()

	s.execute(plan)

	s.mu.Lock()
	if v > s.lastAppliedVersion {
		s.lastAppliedVersion = v
	}
	// The dedup record belongs to the newest apply; skip it if another
	// one overtook us while the sink was being driven.
	if !s.applyingSet || s.applying == v {
		s.lastApplied = appliedRecord{
			valid:   true,
			mediaID: snap.CurrentMediaID,
			status:  snap.PlaybackStatus,
			pos:     target,
			at:      now,
		}
		s.applyingSet = false
		if s.phase == PhaseConnected {
			s.st.SyncStatus = state.SyncReady
		}
	}
	s.mu.Unlock()
}

// planLocked decides what the sink must do for this snapshot. Caller
// holds mu.
func (s *Session) planLocked(snap state.SessionState, role Role, nowG, target int64) applyPlan {
	plan := applyPlan{version: snap.StateVersion, snap: snap, target: target}

	if snap.CurrentMediaID == "" {
		if s.playback.IsPlaying {
			plan.pause = true
		}
		return plan
	}

	if snap.PlaybackSpeed > 0 && snap.PlaybackSpeed != s.playback.Speed {
		plan.setSpeed = true
		plan.speed = snap.PlaybackSpeed
	}

	sameTrack := s.playback.MediaID == snap.CurrentMediaID

	if !sameTrack {
		plan.loadTrack = true
		if snap.PlaybackStatus == state.StatusPlaying {
			if snap.TrackStartGlobalTime > nowG {
				// Scheduled start: load paused at the anchor position and
				// fire play at the exact shared instant.
				plan.target = snap.PositionAtAnchor
				plan.startAtGlobal = snap.TrackStartGlobalTime
			} else {
				plan.autoPlay = true
			}
		}
		return plan
	}

	if snap.PlaybackStatus == state.StatusPlaying {
		if !s.playback.IsPlaying {
			if snap.TrackStartGlobalTime > nowG {
				plan.seek = true
				plan.seekPos = snap.PositionAtAnchor
				plan.startAtGlobal = snap.TrackStartGlobalTime
			} else {
				if abs64(s.playback.PositionMs-target) > s.cfg.SeekThresholdMs {
					plan.seek = true
					plan.seekPos = target
				}
				plan.play = true
			}
			return plan
		}
		// Already playing the right track: only correct audible drift.
		if abs64(s.playback.PositionMs-target) > s.cfg.SeekThresholdMs {
			if role == RoleParticipant {
				plan.preBuffer = true
			} else {
				plan.seek = true
				plan.seekPos = target
			}
		}
		return plan
	}

	// Paused.
	if s.playback.IsPlaying {
		plan.pause = true
	}
	if abs64(s.playback.PositionMs-target) > s.cfg.SeekThresholdMs {
		plan.seek = true
		plan.seekPos = target
	}
	return plan
}

// execute drives the sink per the plan. Called without the lock.
func (s *Session) execute(plan applyPlan) {
	if plan.setSpeed {
		if err := s.snk.SetSpeed(plan.speed); err != nil {
			log.Printf("SESSION: SetSpeed failed: %v", err)
		}
	}
	if plan.pause {
		if err := s.snk.Pause(); err != nil {
			log.Printf("SESSION: Pause failed: %v", err)
		}
	}
	if plan.loadTrack {
		if err := s.snk.LoadTrack(plan.snap.CurrentMediaID, plan.target, plan.autoPlay); err != nil {
			log.Printf("SESSION: LoadTrack %s failed: %v", plan.snap.CurrentMediaID, err)
			s.setSyncError("failed to load track: " + err.Error())
			return
		}
		s.notify("Now playing: " + nameOr(plan.snap.Title, plan.snap.CurrentMediaID))
	}
	if plan.preBuffer {
		s.preBufferResync(plan)
	} else if plan.seek {
		if err := s.snk.SeekTo(plan.seekPos); err != nil {
			log.Printf("SESSION: Seek failed: %v", err)
		}
	}
	if plan.play {
		if err := s.snk.Play(); err != nil {
			log.Printf("SESSION: Play failed: %v", err)
		}
	}
	if plan.startAtGlobal > 0 {
		s.scheduleStartAt(plan.startAtGlobal, plan.version)
	}
}

// scheduleStartAt arms a cancellable wait until the exact global instant
// the anchor names, then starts the sink. All peers that received the
// same snapshot fire simultaneously.
func (s *Session) scheduleStartAt(startGlobal int64, version uint64) {
	ctx, cancel := context.WithCancel(s.sessionCtx())

	s.mu.Lock()
	if s.schedCancel != nil {
		s.schedCancel()
	}
	s.schedCancel = cancel
	s.mu.Unlock()

	delay := time.Duration(startGlobal-s.globalNow()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	log.Printf("SESSION: Scheduled start in %s (v%d)", delay.Truncate(time.Millisecond), version)

	go func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		s.mu.Lock()
		stale := s.lastAppliedVersion > version || s.phase != PhaseConnected
		s.echoUntil = time.Now().Add(time.Duration(s.cfg.EchoWindowMs) * time.Millisecond)
		s.mu.Unlock()
		if stale {
			return
		}
		if err := s.snk.Play(); err != nil {
			log.Printf("SESSION: Scheduled play failed: %v", err)
		}
	}()
}

// preBufferResync is the participant's same-track correction: seek ahead
// of the target and keep playing so the buffer fills without a stall,
// then silently reseek to the exact corrected position once settled.
func (s *Session) preBufferResync(plan applyPlan) {
	ahead := plan.target + s.cfg.PreBufferMs
	if err := s.snk.SeekTo(ahead); err != nil {
		log.Printf("SESSION: Pre-buffer seek failed: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(s.sessionCtx())
	s.mu.Lock()
	if s.schedCancel != nil {
		s.schedCancel()
	}
	s.schedCancel = cancel
	s.mu.Unlock()

	settle := time.Duration(s.cfg.BufferSettleMs) * time.Millisecond
	go func() {
		t := time.NewTimer(settle)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		s.mu.Lock()
		if s.lastAppliedVersion > plan.version || s.phase != PhaseConnected ||
			s.st.PlaybackStatus != state.StatusPlaying {
			s.mu.Unlock()
			return
		}
		// Recompute against the live clock — the settle delay itself
		// moved the target.
		pos := s.st.ProjectedPosition(s.globalNowLocked()) + s.cfg.LeadMs
		s.echoUntil = time.Now().Add(time.Duration(s.cfg.EchoWindowMs) * time.Millisecond)
		s.mu.Unlock()

		if err := s.snk.SeekTo(pos); err != nil {
			log.Printf("SESSION: Pre-buffer settle seek failed: %v", err)
		}
	}()
}

// sessionCtx returns the current session lifetime context, or a dummy if
// the session already stopped.
func (s *Session) sessionCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

func (s *Session) setSyncError(msg string) {
	s.mu.Lock()
	s.st.SyncStatus = state.SyncError
	s.st.StatusMessage = msg
	s.mu.Unlock()
}
