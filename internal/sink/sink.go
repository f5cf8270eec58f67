// Package sink defines the playback-sink contract the session engine
// drives. Commands are non-blocking; their effects surface asynchronously
// as PlaybackState snapshots on the States stream.
package sink

import "github.com/petervdpas/tunelink/internal/state"

// Sink is a local playback engine. Implementations emit a PlaybackState
// snapshot on every meaningful transition and periodically while playing.
type Sink interface {
	// LoadTrack prepares mediaID at seekMs, optionally starting playback
	// as soon as the track is ready.
	LoadTrack(mediaID string, seekMs int64, autoPlay bool) error
	Play() error
	Pause() error
	SeekTo(ms int64) error
	SetSpeed(x float64) error

	States() <-chan state.PlaybackState
}
