// Package config loads the per-peer JSON configuration file. Missing
// fields fall back to defaults, so a hand-edited partial file keeps
// working across upgrades.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/petervdpas/tunelink/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Relay    Relay    `json:"relay"`
	Library  Library  `json:"library"`
	Profile  Profile  `json:"profile"`
	Sync     Sync     `json:"sync"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type P2P struct {
	ListenPort int `json:"listen_port"`

	// Peers are multiaddrs (with /p2p/ peer id suffix) dialed at startup,
	// for machines mDNS cannot discover.
	Peers []string `json:"peers,omitempty"`
}

type Relay struct {
	// Websocket relay URL (e.g. wss://relay.example.org/ws). Empty
	// disables the relay channel; sessions then run on libp2p alone.
	URL string `json:"url"`
}

type Library struct {
	Dir string `json:"dir"`
}

type Profile struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
	UID    string `json:"uid"`
}

// Sync holds the engine's tuning constants. The defaults are empirically
// tuned, not protocol-mandated — peers with different values still
// interoperate.
type Sync struct {
	// LeadMs is added to a participant's target position to compensate
	// one-way network plus processing latency.
	LeadMs int64 `json:"lead_ms"`

	// PreBufferMs is how far ahead a participant seeks during a
	// same-track resync to fill the audio buffer without stalling.
	PreBufferMs int64 `json:"pre_buffer_ms"`

	// BufferSettleMs is the delay before the silent corrective reseek
	// that follows a pre-buffer.
	BufferSettleMs int64 `json:"buffer_settle_ms"`

	// DedupWindowMs / DedupPositionMs: snapshots matching the last
	// applied one within these bounds are absorbed as retransmission noise.
	DedupWindowMs   int64 `json:"dedup_window_ms"`
	DedupPositionMs int64 `json:"dedup_position_ms"`

	// SeekThresholdMs: same-track drift below this is left alone to
	// avoid audible micro-correction stutter.
	SeekThresholdMs int64 `json:"seek_threshold_ms"`

	// DriftLimitMs / DriftIntervalSec drive the participant drift monitor.
	DriftLimitMs     int64 `json:"drift_limit_ms"`
	DriftIntervalSec int   `json:"drift_interval_sec"`

	// Heartbeat liveness: a ping every HeartbeatMs expecting a pong
	// within HeartbeatTimeoutMs; HeartbeatMisses consecutive failures
	// tear the session down.
	HeartbeatMs        int64 `json:"heartbeat_ms"`
	HeartbeatTimeoutMs int64 `json:"heartbeat_timeout_ms"`
	HeartbeatMisses    int   `json:"heartbeat_misses"`

	// CoalesceWindowMs merges participant requests on the host into one
	// broadcast.
	CoalesceWindowMs int64 `json:"coalesce_window_ms"`

	// EchoWindowMs suppresses re-broadcasting sink transitions the
	// engine itself just caused.
	EchoWindowMs int64 `json:"echo_window_ms"`

	// JoinLeadMs is how far in the future the host anchors the snapshot
	// it broadcasts to a new joiner.
	JoinLeadMs int64 `json:"join_lead_ms"`

	// MaxRTTMs rejects clock samples with anomalous round-trip times.
	MaxRTTMs int64 `json:"max_rtt_ms"`
}

func Default() Config {
	return Config{
		Identity: Identity{KeyFile: "data/identity.key"},
		P2P:      P2P{ListenPort: 0},
		Relay:    Relay{URL: ""},
		Library:  Library{Dir: "media"},
		Profile:  Profile{Name: "listener"},
		Sync: Sync{
			LeadMs:              400,
			PreBufferMs:         2000,
			BufferSettleMs:      1200,
			DedupWindowMs:       500,
			DedupPositionMs:     500,
			SeekThresholdMs:     500,
			DriftLimitMs:        800,
			DriftIntervalSec:    5,
			HeartbeatMs:        5000,
			HeartbeatTimeoutMs: 2000,
			HeartbeatMisses:    3,
			CoalesceWindowMs:    200,
			EchoWindowMs:        1500,
			JoinLeadMs:          1000,
			MaxRTTMs:            2000,
		},
	}
}

// Load reads the config at path, overlaying it on the defaults. A missing
// file yields the defaults and no error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config as indented JSON.
func Save(path string, cfg Config) error {
	return util.WriteJSONFile(path, cfg)
}
