package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"perpflow/internal/config"
)

// Server runs the HTTP/WebSocket API.
type Server struct {
	cfg      config.ServerConfig
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the routes and auth middleware.
func NewServer(cfg config.Config, coord Coordinator, logger *slog.Logger) *Server {
	auth := NewAuth(cfg.Auth, logger)
	hub := NewHub(cfg.Server.SendBuffer, logger)
	handlers := NewHandlers(coord, hub, auth, cfg.Server.AllowedOrigins, logger)

	mux := http.NewServeMux()

	mux.Handle("GET /api/health", auth.Middleware(http.HandlerFunc(handlers.HandleHealth)))
	for _, kind := range []SessionKind{KindDryRun, KindAIDryRun} {
		base := "/api/" + string(kind)
		mux.Handle("GET "+base+"/symbols", auth.Middleware(handlers.HandleSymbols(kind)))
		mux.Handle("POST "+base+"/start", auth.Middleware(handlers.HandleStart(kind)))
		mux.Handle("POST "+base+"/stop", auth.Middleware(handlers.HandleStop(kind)))
		mux.Handle("POST "+base+"/reset", auth.Middleware(handlers.HandleReset(kind)))
		mux.Handle("POST "+base+"/test-order", auth.Middleware(handlers.HandleTestOrder(kind)))
		mux.Handle("GET "+base+"/status", auth.Middleware(handlers.HandleStatus(kind)))
	}

	// Market-data surfaces may be opened to the public by config.
	wsHandler := http.Handler(http.HandlerFunc(handlers.HandleWebSocket))
	metricsHandler := promhttp.Handler()
	if !cfg.Auth.AllowPublicMarketData {
		wsHandler = auth.Middleware(wsHandler)
		metricsHandler = auth.Middleware(metricsHandler)
	}
	mux.Handle("/ws", wsHandler)
	mux.Handle("GET /metrics", metricsHandler)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg.Server,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api_server"),
	}
}

// Hub exposes the fan-out hub so the coordinator can publish frames.
func (s *Server) Hub() *Hub { return s.hub }

// Start runs the hub and the HTTP listener. Blocks until the listener
// stops.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("api server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}
