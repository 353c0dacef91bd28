// Package server hosts the coordination hub for a scope of agents. Agents
// connect to /coord; /events streams the scope's event feed; /health
// reports status; with DevBackend an in-memory block backend is served
// under /api for local runs.
package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/blocksync/coord"
	"github.com/teranos/blocksync/errors"
	"github.com/teranos/blocksync/events"
	"github.com/teranos/blocksync/logger"
	"github.com/teranos/blocksync/remote"
)

const (
	// MaxClients is the maximum number of concurrent event feed clients
	MaxClients = 100
	// MaxClientMessageQueueSize is the per-client event buffer
	MaxClientMessageQueueSize = 256
	// ShutdownTimeout is how long Stop waits for goroutines
	ShutdownTimeout = 10 * time.Second
)

// ServerState is the server lifecycle state
type ServerState int32

const (
	ServerStateRunning  ServerState = iota // Normal operation
	ServerStateDraining                    // Graceful shutdown in progress
	ServerStateStopped                     // Shutdown complete
)

func (st ServerState) String() string {
	switch st {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config configures a Server.
type Config struct {
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	LeaderTimeout     time.Duration
	IntentBuffer      int
	// DevBackend serves an in-memory backend under /api.
	DevBackend bool
}

// Server owns the hub, its registry and the HTTP surface around them.
type Server struct {
	cfg      Config
	registry *coord.Registry
	hub      *coord.Hub
	bus      *events.Bus
	backend  *remote.MemoryBackend // nil unless DevBackend
	logger   *zap.SugaredLogger
	mux      *http.ServeMux

	mu      sync.RWMutex
	clients map[*feedClient]bool

	httpServer *http.Server

	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	state          atomic.Int32
	broadcastDrops atomic.Int64
}

// New builds a server. bus may be nil.
func New(cfg Config, bus *events.Bus, log *zap.SugaredLogger) (*Server, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log = log.With(logger.FieldComponent, "server")
	if bus == nil {
		bus = events.NewBus(log)
	}
	registry, err := coord.NewRegistry(cfg.HeartbeatInterval, cfg.LeaderTimeout, log)
	if err != nil {
		return nil, errors.Wrap(err, "invalid coordination timing")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		registry: registry,
		bus:      bus,
		logger:   log,
		clients:  make(map[*feedClient]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.hub = coord.NewHub(registry, coord.HubConfig{
		IntentBuffer:   cfg.IntentBuffer,
		AllowedOrigins: cfg.AllowedOrigins,
	}, bus, log)
	if cfg.DevBackend {
		s.backend = remote.NewMemoryBackend()
	}
	s.setupHTTPRoutes()
	s.state.Store(int32(ServerStateRunning))
	return s, nil
}

// Handler is the server's HTTP handler, for embedding or httptest.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Hub returns the coordination hub.
func (s *Server) Hub() *coord.Hub {
	return s.hub
}

// Backend returns the dev backend, or nil.
func (s *Server) Backend() *remote.MemoryBackend {
	return s.backend
}

// Events returns the bus the feed streams.
func (s *Server) Events() *events.Bus {
	return s.bus
}

func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

func (s *Server) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.logger.Infow("Server state changed", "new_state", newState.String())
}

// Run sweeps the registry until the server stops. Start calls it; tests
// that only need Handler call it themselves.
func (s *Server) Run() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.hub.Run(s.ctx)
	}()
}

func (s *Server) clientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
