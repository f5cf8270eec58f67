package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "tunelink.json"))
	if err != nil {
		t.Fatal(err)
	}
	def := Default()
	if cfg.Sync != def.Sync || cfg.Library.Dir != def.Library.Dir {
		t.Fatalf("missing file did not yield defaults: %+v", cfg)
	}
}

func TestLoadOverlaysPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunelink.json")
	partial := `{"profile":{"name":"Ada"},"sync":{"lead_ms":250}}`
	if err := os.WriteFile(path, []byte(partial), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Profile.Name != "Ada" {
		t.Fatalf("profile name %q", cfg.Profile.Name)
	}
	if cfg.Sync.LeadMs != 250 {
		t.Fatalf("lead_ms %d, want the file's 250", cfg.Sync.LeadMs)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Sync.HeartbeatMs != Default().Sync.HeartbeatMs {
		t.Fatalf("heartbeat_ms %d lost its default", cfg.Sync.HeartbeatMs)
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunelink.json")
	if err := os.WriteFile(path, []byte("{nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed config")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunelink.json")
	want := Default()
	want.Profile.Name = "Ada"
	want.Relay.URL = "wss://relay.example.org/ws"

	if err := Save(path, want); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Profile.Name != "Ada" || got.Relay.URL != want.Relay.URL {
		t.Fatalf("round trip lost fields: %+v", got)
	}
}
