package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"signalbot/internal/config"
)

const snapshotInterval = 5 * time.Second

// Server runs the HTTP/WebSocket API for the dashboard. It also implements
// manager.Notifier so position events reach connected clients as they happen.
type Server struct {
	cfg      config.DashboardConfig
	deps     Deps
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	done     chan struct{}
	logger   *slog.Logger
}

// NewServer wires the dashboard routes over the given state sources.
func NewServer(cfg config.DashboardConfig, deps Deps, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(cfg, deps, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)
	mux.Handle("/", http.FileServer(http.Dir("web")))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		deps:     deps,
		hub:      hub,
		handlers: handlers,
		server:   server,
		done:     make(chan struct{}),
		logger:   logger.With("component", "api-server"),
	}
}

// Start serves until the listener fails or Stop is called. Blocking.
func (s *Server) Start() error {
	go s.broadcastSnapshots()

	s.logger.Info("dashboard server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")
	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// broadcastSnapshots periodically pushes full state so clients recover from
// any missed incremental event.
func (s *Server) broadcastSnapshots() {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.hub.Broadcast(newSnapshotEvent(BuildSnapshot(s.deps)))
		case <-s.done:
			return
		}
	}
}
