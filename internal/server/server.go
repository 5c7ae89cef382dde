package server

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomhub/internal/registry"
)

// Server ties the HTTP surface to one Registry. Build it with New, call
// Start before serving and Shutdown when done.
type Server struct {
	log      zerolog.Logger
	registry *registry.Registry
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	cfg     Config
	origins originPolicy

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Server for cfg. Registry options are passed through, which
// lets tests swap the clock or id generator.
func New(cfg Config, log zerolog.Logger, opts ...registry.Option) *Server {
	cfg = cfg.sanitize()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		log:    log.With().Str("component", "server").Logger(),
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
	s.origins = newOriginPolicy(cfg.AllowedOrigins, s.log)
	s.registry = registry.New(cfg.Registry, append([]registry.Option{registry.WithLogger(log)}, opts...)...)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Registry returns the registry backing the server.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Config returns the configuration in force.
func (s *Server) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Server) currentOrigins() originPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.origins
}

// ApplyConfig swaps the reloadable settings: allowed origins, message size,
// rate limits and registry limits. The port and log settings need a restart.
// Connections already open keep the message limits they were created with.
func (s *Server) ApplyConfig(cfg Config) {
	cfg = cfg.sanitize()

	s.mu.Lock()
	cfg.Port = s.cfg.Port
	cfg.Log = s.cfg.Log
	s.cfg = cfg
	s.origins = newOriginPolicy(cfg.AllowedOrigins, s.log)
	s.mu.Unlock()

	s.registry.Apply(cfg.Registry)
	s.log.Info().Strs("allowed_origins", cfg.AllowedOrigins).Msg("server config applied")
}

// Start launches the idle cleanup scheduler.
func (s *Server) Start() {
	s.registry.StartCleanup(s.ctx)
	s.log.Info().Msg("registry started and ready to manage WebSocket connections")
}

// Shutdown disconnects every client and waits for their read loops to
// return, or until the timeout is reached.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.log.Info().Msg("initiating registry shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.cancel()
	removed := s.registry.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Int("removed", removed).Msg("shutdown completed successfully")
		return nil
	case <-ctx.Done():
		s.log.Warn().Msg("shutdown timeout reached, some client loops may still be running")
		return context.DeadlineExceeded
	}
}
