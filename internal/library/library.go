// Package library maintains an index of a local media directory. Tracks
// are addressed by a stable media id derived from the file name, so two
// peers pointing at copies of the same files resolve the same ids. The
// directory is watched for changes — dropping a file in makes it playable
// without a restart.
package library

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

var audioExts = map[string]bool{
	".mp3": true,
}

// Track is one indexed media file.
type Track struct {
	MediaID string `json:"media_id"`
	Title   string `json:"title"`
	Artist  string `json:"artist,omitempty"`
	Path    string `json:"path"`
}

// Library indexes and watches a media directory.
type Library struct {
	dir string

	mu     sync.RWMutex
	byID   map[string]Track
	closed chan struct{}
	once   sync.Once

	watcher *fsnotify.Watcher
}

// Open scans the directory and starts watching it for changes.
func Open(dir string) (*Library, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("media dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("media dir %s is not a directory", dir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	l := &Library{
		dir:     dir,
		byID:    make(map[string]Track),
		closed:  make(chan struct{}),
		watcher: watcher,
	}
	l.scan()

	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch media dir: %w", err)
	}
	go l.watchLoop()

	log.Printf("LIBRARY: %d track(s) indexed from %s", l.Count(), dir)
	return l, nil
}

// Close stops the directory watcher.
func (l *Library) Close() {
	l.once.Do(func() {
		close(l.closed)
		l.watcher.Close()
	})
}

func (l *Library) scan() {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		log.Printf("LIBRARY: Scan failed: %v", err)
		return
	}

	next := make(map[string]Track)
	for _, e := range entries {
		if e.IsDir() || !audioExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		t := trackFromFile(l.dir, e.Name())
		next[t.MediaID] = t
	}

	l.mu.Lock()
	l.byID = next
	l.mu.Unlock()
}

func (l *Library) watchLoop() {
	for {
		select {
		case <-l.closed:
			return
		case evt, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				l.scan()
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("LIBRARY: Watcher error: %v", err)
		}
	}
}

// Resolve maps a media id to its file path. Implements filesink.Resolver.
func (l *Library) Resolve(mediaID string) (string, error) {
	l.mu.RLock()
	t, ok := l.byID[mediaID]
	l.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown media id %s", mediaID)
	}
	return t.Path, nil
}

// Get returns the track for a media id.
func (l *Library) Get(mediaID string) (Track, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.byID[mediaID]
	return t, ok
}

// Tracks returns all indexed tracks sorted by title.
func (l *Library) Tracks() []Track {
	l.mu.RLock()
	out := make([]Track, 0, len(l.byID))
	for _, t := range l.byID {
		out = append(out, t)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out
}

// Count returns the number of indexed tracks.
func (l *Library) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byID)
}

// trackFromFile derives a track from a file name. "Artist - Title.mp3"
// splits into artist and title; anything else becomes the title as-is.
func trackFromFile(dir, name string) Track {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	title, artist := base, ""
	if idx := strings.Index(base, " - "); idx > 0 {
		artist = strings.TrimSpace(base[:idx])
		title = strings.TrimSpace(base[idx+3:])
	}
	return Track{
		MediaID: MediaID(name),
		Title:   title,
		Artist:  artist,
		Path:    filepath.Join(dir, name),
	}
}

// MediaID returns the stable id for a media file name: a short hash, so
// ids survive renames of the directory but not of the file itself.
func MediaID(fileName string) string {
	sum := sha1.Sum([]byte(strings.ToLower(fileName)))
	return hex.EncodeToString(sum[:])[:12]
}
