// Command signald runs the signaling hub and, optionally, an embedded
// TURN relay for deployments without external relay infrastructure.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/quorumchat/meshcall/internal/config"
	"github.com/quorumchat/meshcall/internal/relay"
	signalhub "github.com/quorumchat/meshcall/internal/signal"
)

func main() {
	cfg := config.NewDefaultConfig()

	var (
		addr       string
		relayIP    string
		relayPort  int
		relayRealm string
		relayUsers string
		debug      bool
	)
	flag.StringVar(&addr, "addr", ":7000", "HTTP listen address")
	flag.StringVar(&relayIP, "relay-ip", "", "public IP for the embedded TURN relay (empty disables it)")
	flag.IntVar(&relayPort, "relay-port", 3478, "UDP port for the embedded TURN relay")
	flag.StringVar(&relayRealm, "relay-realm", "meshcall", "TURN realm")
	flag.StringVar(&relayUsers, "relay-users", "", "TURN credentials, comma-separated user=pass pairs")
	flag.BoolVar(&debug, "debug", false, "verbose logging")
	flag.Parse()

	log, err := newLogger(debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if relayIP != "" {
		users, err := parseUsers(relayUsers)
		if err != nil {
			log.Fatal("invalid -relay-users", zap.Error(err))
		}
		srv, err := relay.Start(ctx, relay.Config{
			Port:     relayPort,
			PublicIP: relayIP,
			Realm:    relayRealm,
			Users:    users,
		}, log)
		if err != nil {
			log.Fatal("failed to start relay", zap.Error(err))
		}
		defer srv.Close()
	}

	hub := signalhub.NewHub(cfg, log)
	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpSrv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info("signaling hub listening", zap.String("addr", addr))
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("hub server failed", zap.Error(err))
	}
	log.Info("signaling hub stopped")
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func parseUsers(s string) (map[string]string, error) {
	users := make(map[string]string)
	if s == "" {
		return users, nil
	}
	for _, pair := range strings.Split(s, ",") {
		name, pass, ok := strings.Cut(pair, "=")
		if !ok || name == "" || pass == "" {
			return nil, fmt.Errorf("malformed credential %q, want user=pass", pair)
		}
		users[name] = pass
	}
	return users, nil
}
