package session

import (
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/tunelink/internal/proto"
	"github.com/petervdpas/tunelink/internal/util"
)

// heartbeatLoop is the participant's liveness probe. Each ping doubles as
// a clock-sync round trip; the pong handler feeds the sample into the
// clock engine before it lands here.
func (s *Session) heartbeatLoop() {
	defer s.wg.Done()

	interval := time.Duration(s.cfg.HeartbeatMs) * time.Millisecond
	timeout := time.Duration(s.cfg.HeartbeatTimeoutMs) * time.Millisecond

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Probe immediately so the clock seeds without waiting a full interval.
	misses := 0
	for {
		if s.pingOnce(timeout) {
			misses = 0
		} else {
			misses++
			log.Printf("SESSION: Heartbeat missed (%d/%d)", misses, s.cfg.HeartbeatMisses)
			if misses >= s.cfg.HeartbeatMisses {
				s.teardown("lost contact with host", true)
				return
			}
		}

		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pingOnce sends one ping and waits for its pong. Unmatched pongs (late
// answers to earlier pings, or broadcast answers addressed to other
// peers) are drained and ignored. The pending id is published so the
// event loop knows which pong is ours when it records clock samples.
func (s *Session) pingOnce(timeout time.Duration) bool {
	id := uuid.NewString()
	s.mu.Lock()
	s.pendingPing = id
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.pendingPing == id {
			s.pendingPing = ""
		}
		s.mu.Unlock()
	}()

	s.send(&proto.Ping{ID: id, ClientTime: util.NowMillis()})

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return true
		case <-deadline.C:
			return false
		case pong := <-s.pongs:
			if pong.ID == id {
				return true
			}
		}
	}
}
