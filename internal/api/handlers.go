package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"signalbot/internal/config"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	cfg      config.DashboardConfig
	deps     Deps
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandlers creates the handler set with an origin-checked upgrader.
func NewHandlers(cfg config.DashboardConfig, deps Deps, hub *Hub, logger *slog.Logger) *Handlers {
	h := &Handlers{
		cfg:    cfg,
		deps:   deps,
		hub:    hub,
		logger: logger.With("component", "api-handlers"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), cfg, r.Host)
		},
	}
	return h
}

// isOriginAllowed decides whether a websocket origin may connect. With no
// configured allowlist only local and same-host origins pass; with one, only
// exact matches do.
func isOriginAllowed(origin string, cfg config.DashboardConfig, reqHost string) bool {
	if origin == "" {
		// Non-browser clients send no Origin header.
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
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}
	if reqHostname := hostnameOf(reqHost); reqHostname != "" && host == reqHostname {
		return true
	}
	return false
}

func hostnameOf(hostport string) string {
	if i := strings.LastIndex(hostport, ":"); i >= 0 && !strings.Contains(hostport[i:], "]") {
		return hostport[:i]
	}
	return hostport
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleSnapshot returns the current dashboard state.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot := BuildSnapshot(h.deps)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		h.logger.Error("encode snapshot", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// HandleWebSocket upgrades the connection and streams events, starting with
// a full snapshot.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	initial, err := json.Marshal(newSnapshotEvent(BuildSnapshot(h.deps)))
	if err != nil {
		h.logger.Error("marshal initial snapshot", "error", err)
		conn.Close()
		return
	}

	h.hub.serve(conn, initial)
}
