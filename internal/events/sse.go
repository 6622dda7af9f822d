package events

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/attune/internal/domain"
	"github.com/ashureev/attune/internal/identity"
)

// StreamOptions configures the SSE handler.
type StreamOptions struct {
	Keepalive  time.Duration
	RetryDelay time.Duration
}

// StreamHandler serves GET /api/events/stream: the caller's events as
// Server-Sent Events, with replay from Last-Event-ID.
type StreamHandler struct {
	hub    *Hub
	opts   StreamOptions
	logger *slog.Logger
}

// NewStreamHandler creates an SSE handler reading from hub.
func NewStreamHandler(hub *Hub, opts StreamOptions, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Keepalive <= 0 {
		opts.Keepalive = 10 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	return &StreamHandler{hub: hub, opts: opts, logger: logger}
}

// lastEventID reads the replay position from the Last-Event-ID header or the
// lastEventId query parameter used by clients that cannot set headers.
func lastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

//nolint:gocognit // SSE lifecycle handling keeps its branches together.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	after := lastEventID(r)
	sub, missed, err := h.hub.Subscribe(userID, after)
	if err != nil {
		http.Error(w, `{"error": "event stream unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	defer h.hub.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", h.opts.RetryDelay.Milliseconds())); err != nil {
		h.logger.Warn("failed to write SSE retry header", "error", err, "user_id", userID)
		return
	}
	if err := writeSSE(w, "connected", fmt.Sprintf(`{"status":"connected","replayed":%d}`, len(missed))); err != nil {
		h.logger.Warn("failed to write SSE connected event", "error", err, "user_id", userID)
		return
	}
	for _, e := range missed {
		if err := writeEvent(w, e); err != nil {
			h.logger.Warn("failed to replay SSE event", "error", err, "user_id", userID)
			return
		}
	}
	flusher.Flush()

	h.logger.Info("SSE connection established", "user_id", userID, "last_event_id", after, "replayed", len(missed))
	defer h.logger.Info("SSE connection closed", "user_id", userID)

	keepalive := time.NewTicker(h.opts.Keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done:
			return
		case e := <-sub.C:
			if err := writeEvent(w, e); err != nil {
				h.logger.Warn("failed to write SSE event", "error", err, "user_id", userID)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				h.logger.Debug("failed to write SSE keepalive ping", "error", err, "user_id", userID)
				return
			}
			flusher.Flush()
		}
	}
}

// clientEvent is the wire shape pushed to users. It leaves out delivery
// bookkeeping and the audience tag.
type clientEvent struct {
	ID          string           `json:"id"`
	Seq         int64            `json:"seq"`
	Event       domain.EventKind `json:"event"`
	SessionID   string           `json:"session_id"`
	GuesserID   string           `json:"guesser_id"`
	TriggeredBy string           `json:"triggered_by_user_id,omitempty"`
	Payload     json.RawMessage  `json:"payload,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

func toClient(e *domain.Event) clientEvent {
	return clientEvent{
		ID:          e.ID,
		Seq:         e.Seq,
		Event:       e.Kind,
		SessionID:   e.SessionID,
		GuesserID:   e.GuesserID,
		TriggeredBy: e.TriggeredBy,
		Payload:     e.Payload,
		CreatedAt:   e.CreatedAt,
	}
}

func writeEvent(w io.Writer, e *domain.Event) error {
	data, err := json.Marshal(toClient(e))
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return writeSSEWithID(w, e.Seq, string(e.Kind), string(data))
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
