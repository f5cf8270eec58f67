package library

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTrack(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("not real audio"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestOpenIndexesDirectory(t *testing.T) {
	dir := t.TempDir()
	writeTrack(t, dir, "Daft Punk - Around the World.mp3")
	writeTrack(t, dir, "untitled.mp3")
	writeTrack(t, dir, "notes.txt") // non-audio, skipped
	if err := os.Mkdir(filepath.Join(dir, "subdir.mp3"), 0o755); err != nil {
		t.Fatal(err)
	}

	lib, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer lib.Close()

	if lib.Count() != 2 {
		t.Fatalf("indexed %d tracks, want 2", lib.Count())
	}

	t.Run("artist-title parsing", func(t *testing.T) {
		tr, ok := lib.Get(MediaID("Daft Punk - Around the World.mp3"))
		if !ok {
			t.Fatal("track not found by media id")
		}
		if tr.Artist != "Daft Punk" || tr.Title != "Around the World" {
			t.Fatalf("parsed %q / %q", tr.Artist, tr.Title)
		}
	})

	t.Run("bare title", func(t *testing.T) {
		tr, ok := lib.Get(MediaID("untitled.mp3"))
		if !ok {
			t.Fatal("track not found")
		}
		if tr.Artist != "" || tr.Title != "untitled" {
			t.Fatalf("parsed %q / %q", tr.Artist, tr.Title)
		}
	})
}

func TestMediaIDStable(t *testing.T) {
	a := MediaID("Song.mp3")
	b := MediaID("song.MP3")
	if a != b {
		t.Fatalf("media id is case sensitive: %s vs %s", a, b)
	}
	if len(a) != 12 {
		t.Fatalf("media id length %d", len(a))
	}
	if a == MediaID("Other.mp3") {
		t.Fatal("distinct files share a media id")
	}
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	writeTrack(t, dir, "Song.mp3")

	lib, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer lib.Close()

	path, err := lib.Resolve(MediaID("Song.mp3"))
	if err != nil {
		t.Fatal(err)
	}
	if path != filepath.Join(dir, "Song.mp3") {
		t.Fatalf("resolved %q", path)
	}

	if _, err := lib.Resolve("ffffffffffff"); err == nil {
		t.Fatal("expected error for unknown media id")
	}
}

func TestWatchPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	lib, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer lib.Close()

	if lib.Count() != 0 {
		t.Fatalf("empty dir indexed %d tracks", lib.Count())
	}

	writeTrack(t, dir, "New Arrival.mp3")

	deadline := time.After(2 * time.Second)
	for lib.Count() == 0 {
		select {
		case <-deadline:
			t.Fatal("new file never indexed")
		case <-time.After(20 * time.Millisecond):
		}
	}

	if _, ok := lib.Get(MediaID("New Arrival.mp3")); !ok {
		t.Fatal("new file indexed under wrong id")
	}
}

func TestOpenRejectsMissingDir(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
