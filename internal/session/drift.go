package session

import (
	"log"
	"time"

	"github.com/petervdpas/tunelink/internal/state"
)

// driftLoop is the participant's watchdog against slow divergence: buffer
// stalls, clock wander, decoder hiccups. It compares the sink's actual
// position against the anchor projection and, past the audible limit,
// re-runs the apply pipeline with a version-0 snapshot so the normal
// correction machinery handles the reseek.
func (s *Session) driftLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Duration(s.cfg.DriftIntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkDrift()
		}
	}
}

func (s *Session) checkDrift() {
	s.mu.Lock()
	if s.phase != PhaseConnected ||
		s.st.PlaybackStatus != state.StatusPlaying ||
		s.st.CurrentMediaID == "" ||
		!s.playback.IsPlaying ||
		s.playback.MediaID != s.st.CurrentMediaID ||
		s.applyingSet {
		s.mu.Unlock()
		return
	}

	expected := s.st.ProjectedPosition(s.globalNowLocked()) + s.cfg.LeadMs
	drift := s.playback.PositionMs - expected
	limit := s.cfg.DriftLimitMs
	snap := s.st.Clone()
	s.mu.Unlock()

	if abs64(drift) <= limit {
		return
	}

	log.Printf("SESSION: Drift %+dms exceeds %dms, resyncing", drift, limit)
	snap.StateVersion = 0
	s.applySnapshot(snap)
}
