// internal/natsembed/server.go

// Package natsembed runs an in-process NATS server so a workspace can
// receive telemetry exports without external infrastructure. Tests use it
// the same way: point the exporter at Server.URL().
package natsembed

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

const readyTimeout = 10 * time.Second

// Config holds the embedded server's settings.
type Config struct {
	Port      int    // 0 picks the default 4222; -1 picks an ephemeral port
	JetStream bool   // enable JetStream persistence
	DataDir   string // JetStream storage dir, required when JetStream is on
}

// Server wraps an embedded NATS server.
type Server struct {
	cfg Config

	mu      sync.RWMutex
	srv     *server.Server
	running bool
}

func New(cfg Config) (*Server, error) {
	if cfg.Port == 0 {
		cfg.Port = 4222
	}
	if cfg.JetStream && cfg.DataDir == "" {
		return nil, fmt.Errorf("jetstream requires a data dir")
	}
	return &Server{cfg: cfg}, nil
}

// Start launches the server and waits until it accepts connections.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("nats server already running")
	}

	opts := &server.Options{
		Host:       "127.0.0.1",
		Port:       s.cfg.Port,
		NoSigs:     true,
		MaxPayload: 1024 * 1024,
	}
	if s.cfg.JetStream {
		opts.JetStream = true
		opts.StoreDir = s.cfg.DataDir
	}

	srv, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("create nats server: %w", err)
	}

	go srv.Start()
	if !srv.ReadyForConnections(readyTimeout) {
		srv.Shutdown()
		return fmt.Errorf("nats server not ready within %s", readyTimeout)
	}

	s.srv = srv
	s.running = true
	return nil
}

// Shutdown stops the server and waits for it to exit.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.srv == nil {
		return
	}
	s.srv.Shutdown()
	s.srv.WaitForShutdown()
	s.running = false
	s.srv = nil
}

// URL returns the client connection URL.
func (s *Server) URL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.srv != nil {
		return s.srv.ClientURL()
	}
	return fmt.Sprintf("nats://127.0.0.1:%d", s.cfg.Port)
}

// IsRunning reports whether the server accepts connections.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
