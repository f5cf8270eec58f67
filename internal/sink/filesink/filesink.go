// Package filesink is a reference playback sink backed by local audio
// files. It does not render audio — it tracks what a real player would be
// doing (position, phase, speed) so the sync engine can be run and
// observed end to end on any machine. A production deployment swaps in a
// sink wired to an actual decoder.
package filesink

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/tunelink/internal/state"
)

const (
	tickInterval = 250 * time.Millisecond

	// bufferDelay simulates the gap between load and ready that a real
	// decoder exhibits; the engine's buffering logic needs it to exist.
	bufferDelay = 150 * time.Millisecond

	// bufferAheadMs reported ahead of the play head, as a decoder's
	// read-ahead buffer would be.
	bufferAheadMs = 5000
)

// Resolver maps a media id to a playable local file path. The media
// library implements this.
type Resolver interface {
	Resolve(mediaID string) (string, error)
}

// Sink simulates playback position over local files. It satisfies the
// sink contract.
type Sink struct {
	resolver Resolver

	mu         sync.Mutex
	mediaID    string
	durationMs int64
	phase      state.EnginePhase
	playing    bool
	speed      float64

	// Position anchor: the track was at posAt when the wall clock read
	// anchoredAt. Projecting from it avoids per-tick accumulation error.
	posAt      int64
	anchoredAt time.Time

	gen    int // bumped per load to cancel stale ready timers
	states chan state.PlaybackState
	stop   chan struct{}
	once   sync.Once
}

// New creates a sink resolving media ids through the given resolver.
func New(resolver Resolver) *Sink {
	s := &Sink{
		resolver: resolver,
		phase:    state.PhaseIdle,
		speed:    1.0,
		states:   make(chan state.PlaybackState, 32),
		stop:     make(chan struct{}),
	}
	go s.tickLoop()
	return s
}

// LoadTrack resolves and probes the media file, then reports Buffering
// followed by Ready (and playback, if autoPlay) shortly after.
func (s *Sink) LoadTrack(mediaID string, seekMs int64, autoPlay bool) error {
	path, err := s.resolver.Resolve(mediaID)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", mediaID, err)
	}
	info, err := probeMP3(path)
	if err != nil {
		return fmt.Errorf("probe %s: %w", mediaID, err)
	}

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.mediaID = mediaID
	s.durationMs = info.DurationMs
	s.phase = state.PhaseBuffering
	s.playing = false
	s.posAt = clampPos(seekMs, info.DurationMs)
	s.anchoredAt = time.Now()
	s.mu.Unlock()
	s.publish()

	log.Printf("SINK: Loaded %s (%.1fs, %d kbps) at %dms", mediaID,
		float64(info.DurationMs)/1000, info.Bitrate/1000, seekMs)

	time.AfterFunc(bufferDelay, func() {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.phase = state.PhaseReady
		if autoPlay {
			s.playing = true
			s.anchoredAt = time.Now()
		}
		s.mu.Unlock()
		s.publish()
	})
	return nil
}

// Play resumes from the current position.
func (s *Sink) Play() error {
	s.mu.Lock()
	if s.mediaID == "" {
		s.mu.Unlock()
		return fmt.Errorf("no track loaded")
	}
	if !s.playing {
		s.posAt = s.positionLocked()
		s.anchoredAt = time.Now()
		s.playing = true
		if s.phase == state.PhaseEnded {
			s.phase = state.PhaseReady
		}
	}
	s.mu.Unlock()
	s.publish()
	return nil
}

// Pause freezes the position.
func (s *Sink) Pause() error {
	s.mu.Lock()
	if s.playing {
		s.posAt = s.positionLocked()
		s.anchoredAt = time.Now()
		s.playing = false
	}
	s.mu.Unlock()
	s.publish()
	return nil
}

// SeekTo moves the play head without changing play/pause state.
func (s *Sink) SeekTo(ms int64) error {
	s.mu.Lock()
	if s.mediaID == "" {
		s.mu.Unlock()
		return fmt.Errorf("no track loaded")
	}
	s.posAt = clampPos(ms, s.durationMs)
	s.anchoredAt = time.Now()
	if s.phase == state.PhaseEnded {
		s.phase = state.PhaseReady
	}
	s.mu.Unlock()
	s.publish()
	return nil
}

// SetSpeed changes the playback rate.
func (s *Sink) SetSpeed(x float64) error {
	if x <= 0 {
		return fmt.Errorf("invalid speed %v", x)
	}
	s.mu.Lock()
	s.posAt = s.positionLocked()
	s.anchoredAt = time.Now()
	s.speed = x
	s.mu.Unlock()
	s.publish()
	return nil
}

// States returns the playback snapshot stream.
func (s *Sink) States() <-chan state.PlaybackState {
	return s.states
}

// Close stops the tick loop.
func (s *Sink) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *Sink) tickLoop() {
	t := time.NewTicker(tickInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.mu.Lock()
			playing := s.playing
			if playing && s.durationMs > 0 && s.positionLocked() >= s.durationMs {
				s.posAt = s.durationMs
				s.anchoredAt = time.Now()
				s.playing = false
				s.phase = state.PhaseEnded
			}
			s.mu.Unlock()
			if playing {
				s.publish()
			}
		}
	}
}

// positionLocked projects the current position from the anchor.
// Caller holds mu.
func (s *Sink) positionLocked() int64 {
	if !s.playing {
		return s.posAt
	}
	elapsed := time.Since(s.anchoredAt).Milliseconds()
	pos := s.posAt + int64(float64(elapsed)*s.speed)
	return clampPos(pos, s.durationMs)
}

func (s *Sink) publish() {
	s.mu.Lock()
	pos := s.positionLocked()
	buffered := pos + bufferAheadMs
	if s.durationMs > 0 && buffered > s.durationMs {
		buffered = s.durationMs
	}
	snap := state.PlaybackState{
		MediaID:    s.mediaID,
		IsPlaying:  s.playing,
		Phase:      s.phase,
		PositionMs: pos,
		BufferedMs: buffered,
		Speed:      s.speed,
	}
	s.mu.Unlock()

	select {
	case s.states <- snap:
	default:
		// Consumer stalled; newer snapshots supersede dropped ones.
	}
}

func clampPos(pos, duration int64) int64 {
	if pos < 0 {
		return 0
	}
	if duration > 0 && pos > duration {
		return duration
	}
	return pos
}
