// Package relay runs the embedded TURN server deployments can use when
// no external relay infrastructure exists. Relay-forced recovery
// depends on at least one reachable TURN server.
package relay

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"github.com/pion/logging"
	"github.com/pion/turn/v4"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Config parameterizes the embedded relay.
type Config struct {
	// Port is the UDP listening port, conventionally 3478.
	Port int
	// PublicIP is the address advertised in allocations. Must be the
	// externally reachable address of this host.
	PublicIP string
	Realm    string
	// Users maps username to password, long-term credential mechanism.
	Users map[string]string
	// Listeners is the number of SO_REUSEPORT UDP listeners; the kernel
	// load-balances packets across them per 5-tuple.
	Listeners int

	MinRelayPort uint16
	MaxRelayPort uint16
}

// Server is an embedded TURN relay.
type Server struct {
	srv *turn.Server
	log *zap.Logger
}

// Start brings the relay up. The returned Server keeps running until
// Close.
func Start(ctx context.Context, cfg Config, log *zap.Logger) (*Server, error) {
	log = log.Named("relay")

	if cfg.PublicIP == "" {
		return nil, fmt.Errorf("relay requires a public IP to advertise")
	}
	publicIP := net.ParseIP(cfg.PublicIP)
	if publicIP == nil {
		return nil, fmt.Errorf("invalid relay public IP %q", cfg.PublicIP)
	}
	if cfg.Listeners < 1 {
		cfg.Listeners = 1
	}
	if cfg.MinRelayPort == 0 {
		cfg.MinRelayPort = 49152
	}
	if cfg.MaxRelayPort == 0 {
		cfg.MaxRelayPort = 65535
	}

	users := make(map[string][]byte, len(cfg.Users))
	for name, pass := range cfg.Users {
		users[name] = turn.GenerateAuthKey(name, cfg.Realm, pass)
	}

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	listenerConfig := &net.ListenConfig{
		Control: func(network, address string, conn syscall.RawConn) error {
			var operr error
			if err := conn.Control(func(fd uintptr) {
				operr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); err != nil {
				return err
			}
			return operr
		},
	}

	gen := &turn.RelayAddressGeneratorPortRange{
		RelayAddress: publicIP,
		Address:      "0.0.0.0",
		MinPort:      cfg.MinRelayPort,
		MaxPort:      cfg.MaxRelayPort,
	}
	if err := gen.Validate(); err != nil {
		return nil, fmt.Errorf("invalid relay address configuration: %w", err)
	}

	packetConns := make([]turn.PacketConnConfig, cfg.Listeners)
	for i := range packetConns {
		conn, err := listenerConfig.ListenPacket(ctx, "udp4", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		packetConns[i] = turn.PacketConnConfig{
			PacketConn:            conn,
			RelayAddressGenerator: gen,
		}
		log.Info("relay listener up", zap.String("addr", conn.LocalAddr().String()))
	}

	srv, err := turn.NewServer(turn.ServerConfig{
		Realm: cfg.Realm,
		AuthHandler: func(username, realm string, srcAddr net.Addr) ([]byte, bool) {
			key, ok := users[username]
			return key, ok
		},
		PacketConnConfigs: packetConns,
		LoggerFactory:     logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start TURN server: %w", err)
	}

	log.Info("relay started",
		zap.Int("port", cfg.Port),
		zap.String("publicIP", cfg.PublicIP),
		zap.String("realm", cfg.Realm))
	return &Server{srv: srv, log: log}, nil
}

func (s *Server) Close() error {
	s.log.Info("relay stopping")
	return s.srv.Close()
}
