// Package turnserver runs an in-process STUN/TURN relay used as the ICE
// fallback when no provisioning endpoint is configured, e.g. LAN or
// development meetings.
package turnserver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"syscall"

	"github.com/pion/turn/v4"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Config holds relay settings. Users maps username to password for TURN
// allocation auth; plain STUN binding requests need no credentials.
type Config struct {
	Port     int
	PublicIP string
	Realm    string
	Users    map[string]string
	Threads  int
}

// Server wraps a pion/turn server bound to every interface.
type Server struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	server  *turn.Server
	running bool
}

// New builds a relay server; Start brings it up.
func New(cfg Config, logger *zap.Logger) *Server {
	if cfg.Threads <= 0 {
		cfg.Threads = 1
	}
	return &Server{cfg: cfg, logger: logger.Named("turnserver")}
}

// Start opens the UDP listeners and begins serving. The listeners share one
// port via SO_REUSEPORT so the kernel load-balances packets across them.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("turn server already running")
	}

	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.Port)

	usersMap := make(map[string][]byte, len(s.cfg.Users))
	for user, pass := range s.cfg.Users {
		usersMap[user] = turn.GenerateAuthKey(user, s.cfg.Realm, pass)
	}

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

	relayIP := s.cfg.PublicIP
	if relayIP == "" {
		relayIP = "127.0.0.1"
	}
	relayAddressGenerator := &turn.RelayAddressGeneratorPortRange{
		RelayAddress: net.ParseIP(relayIP),
		Address:      "0.0.0.0",
		MinPort:      49152,
		MaxPort:      65535,
	}
	if err := relayAddressGenerator.Validate(); err != nil {
		return fmt.Errorf("invalid relay address config: %w", err)
	}

	packetConnConfigs := make([]turn.PacketConnConfig, s.cfg.Threads)
	for i := range packetConnConfigs {
		conn, err := listenerConfig.ListenPacket(ctx, "udp4", addr)
		if err != nil {
			return fmt.Errorf("failed to open UDP listener on %s: %w", addr, err)
		}
		packetConnConfigs[i] = turn.PacketConnConfig{
			PacketConn:            conn,
			RelayAddressGenerator: relayAddressGenerator,
		}
	}

	server, err := turn.NewServer(turn.ServerConfig{
		Realm: s.cfg.Realm,
		AuthHandler: func(username, realm string, srcAddr net.Addr) ([]byte, bool) {
			key, ok := usersMap[username]
			return key, ok
		},
		PacketConnConfigs: packetConnConfigs,
	})
	if err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}

	s.server = server
	s.running = true
	s.logger.Info("Fallback relay listening",
		zap.Int("port", s.cfg.Port), zap.Int("listeners", s.cfg.Threads))
	return nil
}

// Stop closes the relay. Safe to call when not running.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	if err := s.server.Close(); err != nil {
		return fmt.Errorf("failed to close relay: %w", err)
	}
	s.logger.Info("Fallback relay stopped")
	return nil
}

// AllocationCount reports live TURN allocations.
func (s *Server) AllocationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return 0
	}
	return s.server.AllocationCount()
}

// ICEServers returns descriptors pointing sessions at this relay. One TURN
// entry per configured user, plus the credential-free STUN entry.
func (s *Server) ICEServers() []webrtc.ICEServer {
	host := s.cfg.PublicIP
	if host == "" {
		host = "127.0.0.1"
	}
	servers := []webrtc.ICEServer{
		{URLs: []string{fmt.Sprintf("stun:%s:%d", host, s.cfg.Port)}},
	}
	for user, pass := range s.cfg.Users {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{fmt.Sprintf("turn:%s:%d", host, s.cfg.Port)},
			Username:   user,
			Credential: pass,
		})
	}
	return servers
}
