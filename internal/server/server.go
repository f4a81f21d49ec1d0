// Package server implements the tunnel server: the session directory,
// the per-agent control session, pending public requests, and the two
// HTTP-facing surfaces (control upgrade, public ingress). These stay in
// one package, following the teacher's own layout, because the
// directory, session, and pending-request types are mutually
// referential and splitting them invites import cycles.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chara-tunnel/tunneld/internal/config"
	"github.com/chara-tunnel/tunneld/internal/pipeline"
	"github.com/chara-tunnel/tunneld/internal/subdomain"
	"github.com/gorilla/websocket"
)

// Server is the tunnel server: it owns the session directory, the
// subdomain allocator, the response pipeline, and the single HTTP
// listener that serves both the control upgrade endpoint and the public
// ingress (spec §2, §4).
type Server struct {
	cfg       *config.ServerConfig
	dir       *SessionDirectory
	allocator *subdomain.Allocator
	pipeline  *pipeline.Pipeline
	upgrader  websocket.Upgrader
	logger    *slog.Logger

	httpServer *http.Server
}

// New builds a Server from its static configuration.
func New(cfg *config.ServerConfig, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pl, err := pipeline.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("build response pipeline: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		dir:       NewSessionDirectory(),
		allocator: subdomain.New(cfg.ReservedSubdomains),
		pipeline:  pl,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logger.With(slog.String("component", "server")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/_chara/status", s.handleStatus)
	mux.HandleFunc("/", s.route)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}
	return s, nil
}

// route dispatches by Host: the configured control domain upgrades to a
// control session, everything else is public ingress keyed by subdomain
// (spec §4.1, §4.2).
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	if hostOnly(r.Host) == hostOnly(s.cfg.ControlDomain) {
		s.handleControlUpgrade(w, r)
		return
	}
	s.handlePublicRequest(w, r)
}

// Start begins serving in the background.
func (s *Server) Start() error {
	s.logger.Info("starting server",
		slog.Int("port", s.cfg.Port),
		slog.String("domain", s.cfg.Domain),
		slog.String("control_domain", s.cfg.ControlDomain))

	ln := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ln <- err
			return
		}
		ln <- nil
	}()

	select {
	case err := <-ln:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-time.After(100 * time.Millisecond):
	}
	return nil
}

// Stop gracefully shuts down the HTTP listener and closes every active
// control session (spec §4.6 shutdown).
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping server")
	err := s.httpServer.Shutdown(ctx)
	s.dir.CloseAll()
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Run starts the server and blocks until an interrupt or termination
// signal is received, then shuts down gracefully.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	s.logger.Info("received signal", slog.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Stop(ctx)
}

// SessionCount reports the number of currently connected agents.
func (s *Server) SessionCount() int {
	return s.dir.Count()
}
