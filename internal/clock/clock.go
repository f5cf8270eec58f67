// Package clock estimates the offset between the local clock and the
// session host's clock from NTP-style round trips, and exposes the
// resulting "global time".
package clock

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/petervdpas/tunelink/internal/util"
)

const (
	// windowSize raw offsets feed each median; the median stream is then
	// smoothed with an EMA so one noisy round trip cannot yank the clock.
	windowSize = 5
	emaAlpha   = 0.3

	// minSamples accepted round trips before we trust the estimate.
	minSamples = 2

	// DefaultMaxRTT rejects round trips slow enough to be jitter or a
	// clock jump rather than a usable sample.
	DefaultMaxRTT = 2000 * time.Millisecond
)

// State is an atomic snapshot of the engine's estimate.
type State struct {
	OffsetMs   float64
	RTTMs      int64
	Synced     bool
	LastSyncAt time.Time
}

// Engine accumulates round-trip samples and publishes a smoothed offset.
// All methods are safe for concurrent use.
type Engine struct {
	mu       sync.Mutex
	window   *util.RingBuffer[int64]
	smoothed float64
	seeded   bool
	accepted int
	st       State

	maxRTTMs int64
	now      func() int64
}

// New creates an engine with the given RTT rejection limit.
// A non-positive limit falls back to DefaultMaxRTT.
func New(maxRTT time.Duration) *Engine {
	if maxRTT <= 0 {
		maxRTT = DefaultMaxRTT
	}
	return &Engine{
		window:   util.NewRingBuffer[int64](windowSize),
		maxRTTMs: maxRTT.Milliseconds(),
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// RecordRoundTrip feeds one round trip into the estimate. All four
// timestamps are unix milliseconds: t0 local send, t1 authority receive,
// t2 authority reply, t3 local receive. Returns whether the sample was
// accepted.
func (e *Engine) RecordRoundTrip(t0, t1, t2, t3 int64) bool {
	rtt := (t3 - t0) - (t2 - t1)
	if rtt < 0 || rtt > e.maxRTTMs {
		log.Printf("CLOCK: Rejected sample (rtt=%dms)", rtt)
		return false
	}
	rawOffset := ((t1 - t0) + (t2 - t3)) / 2

	e.mu.Lock()
	defer e.mu.Unlock()

	e.window.Push(rawOffset)
	e.accepted++

	med := median(e.window.Values())
	if !e.seeded {
		e.smoothed = med
		e.seeded = true
	} else {
		e.smoothed = emaAlpha*med + (1-emaAlpha)*e.smoothed
	}

	e.st = State{
		OffsetMs:   e.smoothed,
		RTTMs:      rtt,
		Synced:     e.accepted >= minSamples,
		LastSyncAt: time.Now(),
	}
	return true
}

// Now returns the estimated global (authority) time in unix milliseconds.
// Before any sample is accepted this is simply the local clock.
func (e *Engine) Now() int64 {
	e.mu.Lock()
	offset := e.smoothed
	e.mu.Unlock()
	return e.now() + int64(offset)
}

// Synced reports whether enough samples have been accepted to trust Now.
func (e *Engine) Synced() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.Synced
}

// State returns the current estimate snapshot.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st
}

// Reset discards all accumulated samples. Called on session stop and on
// role changes — a host has no upstream clock to track.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.window.Reset()
	e.smoothed = 0
	e.seeded = false
	e.accepted = 0
	e.st = State{}
	e.mu.Unlock()
}

// median of the sample window; robust against a single outlier in a way a
// plain mean is not.
func median(vals []int64) float64 {
	if len(vals) == 0 {
		return 0
	}
	s := append([]int64(nil), vals...)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return float64(s[mid])
	}
	return float64(s[mid-1]+s[mid]) / 2
}
