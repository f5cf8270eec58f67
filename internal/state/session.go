// Package state holds the shared data types replicated between peers:
// the authoritative session snapshot, the local playback snapshot, and
// the peer roster.
package state

// PlaybackStatus is the authoritative play/pause state of the session.
type PlaybackStatus string

const (
	StatusPlaying PlaybackStatus = "playing"
	StatusPaused  PlaybackStatus = "paused"
)

// SyncStatus describes how far along a peer is in reconciling with the host.
type SyncStatus string

const (
	SyncWaiting SyncStatus = "waiting"
	SyncSyncing SyncStatus = "syncing"
	SyncReady   SyncStatus = "ready"
	SyncError   SyncStatus = "error"
)

// EnginePhase is the local playback engine's lifecycle phase.
type EnginePhase string

const (
	PhaseIdle      EnginePhase = "idle"
	PhaseBuffering EnginePhase = "buffering"
	PhaseReady     EnginePhase = "ready"
	PhaseEnded     EnginePhase = "ended"
)

// SessionState is the replicated session snapshot. The host is the only
// writer: every broadcast increments StateVersion, and participants reject
// any snapshot whose version is not strictly greater than the last one they
// applied. Version 0 is the exception — it marks a locally derived re-sync
// that is always considered fresh.
type SessionState struct {
	SessionID      string         `json:"session_id"`
	IsAuthority    bool           `json:"is_authority"`
	ConnectedPeers []string       `json:"connected_peers,omitempty"`
	CurrentMediaID string         `json:"current_media_id,omitempty"`
	PlaybackStatus PlaybackStatus `json:"playback_status"`

	// Anchor pair: the track was (or will be) at PositionAtAnchor
	// milliseconds when the global clock read TrackStartGlobalTime.
	TrackStartGlobalTime int64 `json:"track_start_global_time"`
	PositionAtAnchor     int64 `json:"position_at_anchor"`

	PlaybackSpeed float64 `json:"playback_speed"`

	Title  string `json:"title,omitempty"`
	Artist string `json:"artist,omitempty"`
	ArtURL string `json:"art_url,omitempty"`

	HostOnlyMode bool `json:"host_only_mode"`

	PeerNames   map[string]string `json:"peer_names,omitempty"`
	PeerAvatars map[string]string `json:"peer_avatars,omitempty"`
	PeerUIDs    map[string]string `json:"peer_uids,omitempty"`

	StateVersion  uint64     `json:"state_version"`
	SyncStatus    SyncStatus `json:"sync_status"`
	StatusMessage string     `json:"status_message,omitempty"`
}

// ProjectedPosition projects the expected playback position at the given
// global time from the anchor pair. While paused the position is pinned to
// the anchor.
func (s *SessionState) ProjectedPosition(nowGlobal int64) int64 {
	if s.PlaybackStatus != StatusPlaying {
		return s.PositionAtAnchor
	}
	speed := s.PlaybackSpeed
	if speed <= 0 {
		speed = 1.0
	}
	elapsed := nowGlobal - s.TrackStartGlobalTime
	return s.PositionAtAnchor + int64(float64(elapsed)*speed)
}

// Clone returns a deep copy. Snapshots cross goroutine boundaries, so the
// engine never hands out aliases to its own maps and slices.
func (s *SessionState) Clone() SessionState {
	out := *s
	if s.ConnectedPeers != nil {
		out.ConnectedPeers = append([]string(nil), s.ConnectedPeers...)
	}
	out.PeerNames = cloneMap(s.PeerNames)
	out.PeerAvatars = cloneMap(s.PeerAvatars)
	out.PeerUIDs = cloneMap(s.PeerUIDs)
	return out
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// PlaybackState is the local playback engine's continuously produced
// snapshot. It carries no global timestamps — it describes what the local
// sink is actually doing right now.
type PlaybackState struct {
	MediaID    string      `json:"media_id,omitempty"`
	IsPlaying  bool        `json:"is_playing"`
	Phase      EnginePhase `json:"phase"`
	PositionMs int64       `json:"position_ms"`
	BufferedMs int64       `json:"buffered_ms"`
	Speed      float64     `json:"speed"`
}
