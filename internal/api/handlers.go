package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"polyscalp/internal/config"
	"polyscalp/internal/engine"
	"polyscalp/internal/events"
	"polyscalp/pkg/types"
)

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	ctrl     Controller
	cfg      config.Config
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandlers creates a new handlers instance.
func NewHandlers(ctrl Controller, cfg config.Config, hub *Hub, logger *slog.Logger) *Handlers {
	h := &Handlers{
		ctrl:   ctrl,
		cfg:    cfg,
		hub:    hub,
		logger: logger.With("component", "api-handlers"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), cfg.Dashboard, r.Host)
		},
	}
	return h
}

// isOriginAllowed decides whether a WebSocket upgrade from the given origin
// is accepted. With an explicit allowlist only exact matches pass; without
// one, same-host and localhost origins pass.
func isOriginAllowed(origin string, cfg config.DashboardConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			if origin == allowed {
				return true
			}
		}
		return false
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == reqHost {
		return true
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1"
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleStatus returns the bot heartbeat payload.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Status())
}

// HandleSnapshot returns the current dashboard state.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, BuildSnapshot(h.ctrl, h.cfg))
}

// AddMarketRequest is the POST /api/markets body for manually admitting a
// market (normally the scanner does this).
type AddMarketRequest struct {
	MarketID    string    `json:"market_id"`
	ConditionID string    `json:"condition_id"`
	Slug        string    `json:"slug"`
	Question    string    `json:"question"`
	TokenYes    string    `json:"token_yes"`
	TokenNo     string    `json:"token_no"`
	EndTime     time.Time `json:"end_time"`
	MinTick     string    `json:"min_tick"`
	NegRisk     bool      `json:"neg_risk"`
}

// HandleAddMarket admits a market into the engine.
func (h *Handlers) HandleAddMarket(w http.ResponseWriter, r *http.Request) {
	var req AddMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.MarketID == "" || req.TokenYes == "" || req.TokenNo == "" {
		http.Error(w, "market_id, token_yes and token_no are required", http.StatusBadRequest)
		return
	}

	tick := types.TickSize(req.MinTick)
	if req.MinTick == "" {
		tick = types.Tick001
	}

	err := h.ctrl.AddMarket(types.MarketDescriptor{
		MarketID:    req.MarketID,
		ConditionID: req.ConditionID,
		Slug:        req.Slug,
		Question:    req.Question,
		TokenYes:    req.TokenYes,
		TokenNo:     req.TokenNo,
		EndTime:     req.EndTime,
		MinTick:     tick,
		NegRisk:     req.NegRisk,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, map[string]string{"market_id": req.MarketID})
	case errors.Is(err, engine.ErrHalted):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		// market limit, re-add cooldown, duplicate
		http.Error(w, err.Error(), http.StatusConflict)
	}
}

// HandleRemoveMarket removes a market. "?permanent=true" also starts the
// re-add cooldown.
func (h *Handlers) HandleRemoveMarket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	permanent := r.URL.Query().Get("permanent") == "true"

	if !h.ctrl.RemoveMarket(id, permanent) {
		http.Error(w, "unknown market", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"market_id": id})
}

// HandleWebSocket upgrades the connection and streams engine events to it.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	// Seed the client with a full snapshot before live events arrive.
	evt := events.Event{
		Type:      snapshotEventType,
		Timestamp: time.Now(),
		Data:      BuildSnapshot(h.ctrl, h.cfg),
	}
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to marshal initial snapshot", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
		h.logger.Warn("failed to send initial snapshot to client")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
