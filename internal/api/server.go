// Package api serves the web dashboard: a small REST surface over the
// ledger plus a websocket stream that pushes the full snapshot every two
// seconds and forwards live book-ticker mid prices.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"perpbot/internal/config"
	"perpbot/internal/ledger"
	"perpbot/internal/market"
	"perpbot/pkg/types"
)

const snapshotInterval = 2 * time.Second

// Server runs the HTTP/WebSocket API for the dashboard
type Server struct {
	cfg      config.DashboardConfig
	ledger   *ledger.Ledger
	ticker   *market.Ticker
	prices   <-chan types.PriceUpdate
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates a new API server. prices is the adapter's broadcast
// market-data stream.
func NewServer(
	cfg config.DashboardConfig,
	led *ledger.Ledger,
	gainers GainerSource,
	ticker *market.Ticker,
	prices <-chan types.PriceUpdate,
	logger *slog.Logger,
) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(led, gainers, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/status", handlers.HandleStatus)
	mux.HandleFunc("/api/traders", handlers.HandleTraders)
	mux.HandleFunc("/api/traders/", handlers.HandleTraders)
	mux.HandleFunc("/api/performance", handlers.HandlePerformance)
	mux.HandleFunc("/api/history", handlers.HandleHistory)
	mux.HandleFunc("/api/top-gainers", handlers.HandleTopGainers)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

	// Serve static files (web dashboard)
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
		ledger:   led,
		ticker:   ticker,
		prices:   prices,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start starts the API server, hub and broadcast loops.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run()
	go s.snapshotLoop(ctx)
	go s.priceLoop(ctx)

	s.logger.Info("dashboard server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// snapshotLoop broadcasts the full ledger snapshot on a fixed cadence.
func (s *Server) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.hub.Broadcast("dashboardUpdate", s.ledger.Dashboard())
		}
	}
}

// priceLoop mirrors market samples into the last-price store and forwards
// book-ticker mids to dashboard clients.
func (s *Server) priceLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-s.prices:
			s.ticker.Update(u)
			if !u.Mark {
				s.hub.Broadcast("priceUpdate", u)
			}
		}
	}
}
