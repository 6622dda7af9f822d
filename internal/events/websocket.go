package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/attune/internal/identity"
)

// WebSocketHandler serves GET /ws/events: the same per-user event stream as
// the SSE handler, for clients that prefer a socket.
type WebSocketHandler struct {
	hub            *Hub
	allowedOrigins []string
	isDev          bool
	logger         *slog.Logger
}

// NewWebSocketHandler creates a WebSocket event handler.
func NewWebSocketHandler(hub *Hub, allowedOrigins []string, isDev bool, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{hub: hub, allowedOrigins: allowedOrigins, isDev: isDev, logger: logger}
}

// wsMessage is a frame sent by the server.
type wsMessage struct {
	Type  string       `json:"type"`
	Event *clientEvent `json:"event,omitempty"`
	Error string       `json:"error,omitempty"`
}

// wsClientMessage is a frame sent by the client.
type wsClientMessage struct {
	Type string `json:"type"`
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.allowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin)
	return false
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	var after int64
	if raw := r.URL.Query().Get("last_event_id"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
			after = n
		}
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	sub, missed, err := h.hub.Subscribe(userID, after)
	if err != nil {
		_ = h.writeJSON(r.Context(), ws, wsMessage{Type: "error", Error: "event stream unavailable"})
		return
	}
	defer h.hub.Unsubscribe(sub)
	h.logger.Info("WebSocket event stream connected", "user_id", userID, "last_event_id", after, "replayed", len(missed))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Writes come from both loops; the library allows one writer at a time.
	var writeMu sync.Mutex
	write := func(msg wsMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return h.writeJSON(ctx, ws, msg)
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer cancel()
		h.inputLoop(ctx, ws, userID, write)
	}()

	go func() {
		defer wg.Done()
		defer cancel()
		for _, e := range missed {
			ce := toClient(e)
			if err := write(wsMessage{Type: "event", Event: &ce}); err != nil {
				return
			}
		}
		h.outputLoop(ctx, sub, userID, write)
	}()

	wg.Wait()
	h.logger.Info("WebSocket event stream ended", "user_id", userID)
}

func (h *WebSocketHandler) inputLoop(ctx context.Context, ws *websocket.Conn, userID string, write func(wsMessage) error) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				h.logger.Debug("WebSocket closed", "user_id", userID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}
		var msg wsClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			if err := write(wsMessage{Type: "pong"}); err != nil {
				h.logger.Debug("Failed to send pong", "error", err)
				return
			}
		}
	}
}

func (h *WebSocketHandler) outputLoop(ctx context.Context, sub *Subscription, userID string, write func(wsMessage) error) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done:
			h.logger.Info("WebSocket subscription dropped", "user_id", userID)
			return
		case e := <-sub.C:
			ce := toClient(e)
			if err := write(wsMessage{Type: "event", Event: &ce}); err != nil {
				h.logger.Debug("WebSocket write error", "error", err, "user_id", userID)
				return
			}
		}
	}
}

func (h *WebSocketHandler) writeJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}
