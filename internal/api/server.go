package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"polyscalp/internal/config"
	"polyscalp/internal/events"
)

// eventQueueDepth is the bus subscription buffer feeding the hub. The bus
// drops oldest on overflow, so a stalled hub degrades to stale-but-recent
// events rather than blocking the engine.
const eventQueueDepth = 256

// Server runs the HTTP/WebSocket observer and control surface.
type Server struct {
	cfg       config.DashboardConfig
	ctrl      Controller
	fullCfg   config.Config
	hub       *Hub
	handlers  *Handlers
	server    *http.Server
	cancelSub func()
	logger    *slog.Logger
}

// NewServer creates a new API server wired to the engine.
func NewServer(ctrl Controller, fullCfg config.Config, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(ctrl, fullCfg, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /api/status", handlers.HandleStatus)
	mux.HandleFunc("GET /api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("POST /api/markets", handlers.HandleAddMarket)
	mux.HandleFunc("DELETE /api/markets/{id}", handlers.HandleRemoveMarket)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

	// Static web dashboard, if present
	mux.Handle("/", http.FileServer(http.Dir("web")))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", fullCfg.Dashboard.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      fullCfg.Dashboard,
		ctrl:     ctrl,
		fullCfg:  fullCfg,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start runs the hub, the bus consumer and the HTTP listener. Blocks until
// the server shuts down.
func (s *Server) Start() error {
	go s.hub.Run()

	ch, cancel := s.ctrl.Bus().Subscribe(eventQueueDepth)
	s.cancelSub = cancel
	go s.consumeEvents(ch)

	s.logger.Info("dashboard server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server and detaches from the event bus.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")

	if s.cancelSub != nil {
		s.cancelSub()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// consumeEvents forwards bus events to the hub until the subscription is
// cancelled.
func (s *Server) consumeEvents(ch <-chan events.Event) {
	for evt := range ch {
		s.hub.BroadcastEvent(evt)
	}
}
