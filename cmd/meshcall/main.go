// Command meshcall joins a call room: it captures local media, connects
// to the signaling hub, builds a mesh connection to every other
// participant and keeps quality adapted until interrupted.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/quorumchat/meshcall/internal/config"
	"github.com/quorumchat/meshcall/internal/mesh"
	"github.com/quorumchat/meshcall/internal/room"
)

// Application holds the running session and its dependencies.
type Application struct {
	config  *config.Config
	session *room.Session
	log     *zap.Logger
}

func main() {
	cfg := config.NewDefaultConfig()

	var (
		roomID  string
		name    string
		noVideo bool
		noAudio bool
		debug   bool
	)
	flag.StringVar(&cfg.SignalingURL, "signal", cfg.SignalingURL, "signaling hub websocket URL")
	flag.StringVar(&roomID, "room", "", "room to join (required)")
	flag.StringVar(&name, "name", "", "display name")
	flag.BoolVar(&noVideo, "no-video", false, "join without camera")
	flag.BoolVar(&noAudio, "no-audio", false, "join without microphone")
	flag.BoolVar(&debug, "debug", false, "verbose logging")
	flag.Parse()

	log, err := newLogger(debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if roomID == "" {
		log.Fatal("a room is required, pass -room")
	}
	if name == "" {
		name = "anonymous"
	}

	app := &Application{config: cfg, log: log}
	if err := app.join(roomID, name, !noAudio, !noVideo); err != nil {
		log.Fatal("failed to join", zap.Error(err))
	}
	defer app.session.Leave()

	app.runConsole()
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func (app *Application) join(roomID, name string, audio, video bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session, err := room.Join(ctx, app.config, room.Options{
		Room:        roomID,
		DisplayName: name,
		Audio:       audio,
		Video:       video,
		OnTrack: func(peerID string, stream *mesh.RemoteStream) {
			app.log.Info("receiving media",
				zap.String("peer", peerID),
				zap.Int("tracks", len(stream.Tracks())))
		},
	}, app.log)
	if err != nil {
		return err
	}
	app.session = session
	return nil
}

// runConsole reads single-letter commands until EOF or SIGINT.
func (app *Application) runConsole() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
	}()

	fmt.Println("commands: a=toggle audio, v=toggle video, s=toggle screen share, p=participants, q=quality, x=leave")

	for {
		select {
		case <-sigCh:
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if app.command(line) {
				return
			}
		}
	}
}

func (app *Application) command(line string) (quit bool) {
	switch line {
	case "a":
		on, err := app.session.ToggleAudio()
		report("audio", on, err)
	case "v":
		on, err := app.session.ToggleVideo()
		report("video", on, err)
	case "s":
		on, err := app.session.ToggleScreenShare()
		report("screen share", on, err)
	case "p":
		for _, p := range app.session.Participants() {
			fmt.Printf("  %s (%s): %s\n", p.DisplayName, p.ID, p.State)
		}
	case "q":
		snap, tier := app.session.Quality()
		fmt.Printf("  tier=%s total=%dkbps\n", tier, snap.TotalKbps)
		for _, s := range snap.Samples {
			fmt.Printf("  %s: %s rtt=%s loss=%.1f%% in=%dkbps out=%dkbps relay=%v\n",
				s.PeerID, s.Grade, s.RTT, s.Loss*100, s.InboundKbps, s.OutboundKbps, s.Relayed)
		}
	case "x":
		return true
	case "":
	default:
		fmt.Println("unknown command:", line)
	}
	return false
}

func report(what string, on bool, err error) {
	if err != nil {
		fmt.Printf("  %s: error: %v\n", what, err)
		return
	}
	state := "off"
	if on {
		state = "on"
	}
	fmt.Printf("  %s %s\n", what, state)
}
