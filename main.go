// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/tunelink/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("TuneLink v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		return
	}

	command := args[0]

	switch command {
	case "host":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: host command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: tunelink host <peer-directory>")
			os.Exit(1)
		}
		runPeer(args[1], "")

	case "join":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Error: join command requires directory path and session code")
			fmt.Fprintln(os.Stderr, "Usage: tunelink join <peer-directory> <session-code>")
			os.Exit(1)
		}
		runPeer(args[1], args[2])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runPeer(peerDirArg, joinCode string) {
	absDir, err := filepath.Abs(peerDirArg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}

	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Peer directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, "tunelink.json")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	printPeerBanner(absDir, cfgPath, cfg, joinCode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := Run(ctx, Options{
		PeerDir:  absDir,
		Cfg:      cfg,
		JoinCode: joinCode,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("TuneLink - Synchronized Listening")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  tunelink host <directory>            Host a new listening session")
	fmt.Println("  tunelink join <directory> <code>     Join an existing session")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  host <directory>")
	fmt.Println("        Start a session as host. Prints the session code for")
	fmt.Println("        others to join. The directory holds tunelink.json and")
	fmt.Println("        the media library.")
	fmt.Println()
	fmt.Println("  join <directory> <code>")
	fmt.Println("        Join the session with the given code as a participant.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # Host a session from ./peers/livingroom")
	fmt.Println("  tunelink host ./peers/livingroom")
	fmt.Println()
	fmt.Println("  # Join it from another machine")
	fmt.Println("  tunelink join ./peers/kitchen 3f9a2b1c")
}

func printPeerBanner(peerDir, cfgPath string, cfg config.Config, joinCode string) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                    TuneLink Peer                       ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	if cfg.Profile.Name != "" {
		fmt.Printf("Display Name:   %s\n", cfg.Profile.Name)
	}
	fmt.Printf("Media Library:  %s\n", cfg.Library.Dir)
	if cfg.Relay.URL != "" {
		fmt.Printf("Relay:          %s\n", cfg.Relay.URL)
	}
	if joinCode != "" {
		fmt.Printf("Joining:        %s\n", joinCode)
	} else {
		fmt.Println("Mode:           Hosting")
	}
	fmt.Println()
	fmt.Println("Starting peer... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
