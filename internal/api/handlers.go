package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"perpbot/internal/ledger"
	"perpbot/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for local development
		return true
	},
}

// GainerSource exposes the last scan's ranked candidates.
type GainerSource interface {
	TopGainers() []types.Candidate
}

// Handlers holds all HTTP handler dependencies
type Handlers struct {
	ledger  *ledger.Ledger
	gainers GainerSource
	hub     *Hub
	logger  *slog.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(led *ledger.Ledger, gainers GainerSource, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		ledger:  led,
		gainers: gainers,
		hub:     hub,
		logger:  logger.With("component", "api-handlers"),
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// HandleHealth returns a simple health check response
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{"status": "ok"})
}

// HandleStatus returns the headline account view.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.ledger.Status())
}

// HandleTraders returns live trader snapshots, or one trader when the path
// carries an id suffix. The reserved suffix "closed" returns the summaries
// of recently terminated traders.
func (h *Handlers) HandleTraders(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/traders"), "/")
	if id == "" {
		h.writeJSON(w, h.ledger.Traders())
		return
	}
	if id == "closed" {
		h.writeJSON(w, h.ledger.ClosedTraders())
		return
	}
	trader, ok := h.ledger.Trader(id)
	if !ok {
		http.Error(w, "trader not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, trader)
}

// HandlePerformance returns closed-trade statistics with live variants.
func (h *Handlers) HandlePerformance(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.ledger.Performance())
}

// HandleHistory returns the recent closed trades.
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.ledger.History())
}

// HandleTopGainers returns the last scan's ranked candidates.
func (h *Handlers) HandleTopGainers(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.gainers.TopGainers())
}

// HandleWebSocket upgrades the connection and creates a new WebSocket client
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	// Seed the new client with the current snapshot
	evt := Event{Type: "dashboardUpdate", Data: h.ledger.Dashboard()}
	payload, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to marshal initial snapshot", "error", err)
		return
	}
	select {
	case client.send <- payload:
	default:
		h.logger.Warn("failed to send initial snapshot to client")
	}
}
