// app.go
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/petervdpas/tunelink/internal/clock"
	"github.com/petervdpas/tunelink/internal/config"
	"github.com/petervdpas/tunelink/internal/library"
	"github.com/petervdpas/tunelink/internal/p2p"
	"github.com/petervdpas/tunelink/internal/session"
	"github.com/petervdpas/tunelink/internal/sink/filesink"
	"github.com/petervdpas/tunelink/internal/transport"
	"github.com/petervdpas/tunelink/internal/transport/wschan"
	"github.com/petervdpas/tunelink/internal/util"
)

// Options configures a peer run.
type Options struct {
	PeerDir string
	Cfg     config.Config

	// JoinCode joins an existing session; empty hosts a new one.
	JoinCode string
}

// Run wires the peer together and drives it until the context is
// cancelled or the user quits.
func Run(ctx context.Context, opts Options) error {
	cfg := opts.Cfg

	lib, err := library.Open(util.ResolvePath(opts.PeerDir, cfg.Library.Dir))
	if err != nil {
		return fmt.Errorf("open library: %w", err)
	}
	defer lib.Close()

	snk := filesink.New(lib)
	defer snk.Close()

	p2pCh, err := p2p.New(ctx, cfg.P2P.ListenPort, util.ResolvePath(opts.PeerDir, cfg.Identity.KeyFile), cfg.P2P.Peers)
	if err != nil {
		return fmt.Errorf("start p2p: %w", err)
	}
	defer p2pCh.Close()

	fmt.Println("Reachable at:")
	for _, a := range p2pCh.Addrs() {
		fmt.Println("  " + a)
	}

	channels := []transport.Channel{p2pCh}
	if cfg.Relay.URL != "" {
		channels = append(channels, wschan.New(cfg.Relay.URL))
	}
	agg := transport.NewAggregator(channels...)

	clk := clock.New(time.Duration(cfg.Sync.MaxRTTMs) * time.Millisecond)

	sess := session.New(cfg.Sync, agg, snk, clk, p2pCh.ID(), session.Callbacks{
		TrackMeta: func(mediaID string) (string, string, string, bool) {
			t, ok := lib.Get(mediaID)
			return t.Title, t.Artist, "", ok
		},
		DisplayName: func() string { return cfg.Profile.Name },
		Avatar:      func() string { return cfg.Profile.Avatar },
		UID:         func() string { return cfg.Profile.UID },
		Notify:      func(text string) { fmt.Println("» " + text) },
	})

	if opts.JoinCode != "" {
		if err := sess.JoinSession(ctx, opts.JoinCode); err != nil {
			return fmt.Errorf("join session: %w", err)
		}
	} else {
		code, err := sess.StartSession(ctx)
		if err != nil {
			return fmt.Errorf("start session: %w", err)
		}
		fmt.Println()
		fmt.Printf("  Session code: %s\n", code)
		fmt.Println()
	}
	defer sess.StopSession()

	fmt.Println("Type 'help' for commands.")
	return commandLoop(ctx, sess, lib)
}

// commandLoop reads interactive commands from stdin.
func commandLoop(ctx context.Context, sess *session.Session, lib *library.Library) error {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return nil
			}
			if quit := handleCommand(sess, lib, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func handleCommand(sess *session.Session, lib *library.Library, line string) bool {
	if line == "" {
		return false
	}
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help":
		printCommands()

	case "tracks":
		printTracks(lib)

	case "load":
		if len(args) < 1 {
			fmt.Println("Usage: load <number|media-id>")
			return false
		}
		id, ok := resolveTrackArg(lib, args[0])
		if !ok {
			fmt.Printf("No such track: %s\n", args[0])
			return false
		}
		if err := sess.PlayTrack(id, 0); err != nil {
			fmt.Println("Error:", err)
		}

	case "play":
		if err := sess.Resume(); err != nil {
			fmt.Println("Error:", err)
		}

	case "pause":
		if err := sess.Pause(); err != nil {
			fmt.Println("Error:", err)
		}

	case "seek":
		if len(args) < 1 {
			fmt.Println("Usage: seek <seconds>")
			return false
		}
		secs, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			fmt.Println("Usage: seek <seconds>")
			return false
		}
		if err := sess.SeekTo(int64(secs * 1000)); err != nil {
			fmt.Println("Error:", err)
		}

	case "speed":
		if len(args) < 1 {
			fmt.Println("Usage: speed <factor>")
			return false
		}
		x, err := strconv.ParseFloat(args[0], 64)
		if err != nil || x <= 0 {
			fmt.Println("Usage: speed <factor>")
			return false
		}
		if err := sess.SetSpeed(x); err != nil {
			fmt.Println("Error:", err)
		}

	case "hostonly":
		if len(args) < 1 || (args[0] != "on" && args[0] != "off") {
			fmt.Println("Usage: hostonly on|off")
			return false
		}
		if err := sess.SetHostOnlyMode(args[0] == "on"); err != nil {
			fmt.Println("Error:", err)
		}

	case "status":
		printStatus(sess, lib)

	case "peers":
		printPeers(sess)

	case "quit", "exit":
		return true

	default:
		fmt.Printf("Unknown command '%s' (try 'help')\n", cmd)
	}
	return false
}

func printCommands() {
	fmt.Println("Commands:")
	fmt.Println("  tracks              List the media library")
	fmt.Println("  load <n|id>         Start playing a track")
	fmt.Println("  play                Resume playback")
	fmt.Println("  pause               Pause playback")
	fmt.Println("  seek <seconds>      Seek within the current track")
	fmt.Println("  speed <factor>      Set playback speed (host only)")
	fmt.Println("  hostonly on|off     Toggle host-only control mode (host only)")
	fmt.Println("  status              Show session and playback status")
	fmt.Println("  peers               List connected peers")
	fmt.Println("  quit                Leave the session and exit")
}

func printTracks(lib *library.Library) {
	tracks := lib.Tracks()
	if len(tracks) == 0 {
		fmt.Println("Library is empty.")
		return
	}
	for i, t := range tracks {
		if t.Artist != "" {
			fmt.Printf("  %2d. %s - %s  [%s]\n", i+1, t.Artist, t.Title, t.MediaID)
		} else {
			fmt.Printf("  %2d. %s  [%s]\n", i+1, t.Title, t.MediaID)
		}
	}
}

// resolveTrackArg accepts either a 1-based index into the sorted track
// listing or a raw media id.
func resolveTrackArg(lib *library.Library, arg string) (string, bool) {
	if n, err := strconv.Atoi(arg); err == nil {
		tracks := lib.Tracks()
		if n >= 1 && n <= len(tracks) {
			return tracks[n-1].MediaID, true
		}
		return "", false
	}
	if _, ok := lib.Get(arg); ok {
		return arg, true
	}
	return "", false
}

func printStatus(sess *session.Session, lib *library.Library) {
	st := sess.State()
	pb := sess.Playback()

	fmt.Printf("Session:  %s (%s, %s)\n", st.SessionID, sess.Role(), sess.Phase())
	fmt.Printf("Sync:     %s", st.SyncStatus)
	if st.StatusMessage != "" {
		fmt.Printf(" (%s)", st.StatusMessage)
	}
	fmt.Println()
	if st.CurrentMediaID == "" {
		fmt.Println("Track:    none")
		return
	}
	title := st.Title
	if title == "" {
		if t, ok := lib.Get(st.CurrentMediaID); ok {
			title = t.Title
		} else {
			title = st.CurrentMediaID
		}
	}
	fmt.Printf("Track:    %s (%s, v%d)\n", title, st.PlaybackStatus, st.StateVersion)
	fmt.Printf("Position: %s (local sink: %s, %s)\n",
		fmtMs(pb.PositionMs), pb.Phase, speedLabel(pb.Speed))
	if st.HostOnlyMode {
		fmt.Println("Control:  host only")
	}
}

func printPeers(sess *session.Session) {
	st := sess.State()
	if len(st.ConnectedPeers) == 0 {
		fmt.Println("No connected peers.")
		return
	}
	names := sess.Roster().Names()
	for _, p := range st.ConnectedPeers {
		if name := names[p]; name != "" {
			fmt.Printf("  %s  (%s)\n", name, p)
		} else {
			fmt.Printf("  %s\n", p)
		}
	}
}

func fmtMs(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	return fmt.Sprintf("%d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}

func speedLabel(x float64) string {
	if x <= 0 || x == 1.0 {
		return "1.0x"
	}
	return fmt.Sprintf("%.2gx", x)
}
