package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fjod/go_pos/pkg/logger"
)

const (
	sseSubscribed = "subscribed"
	sseChange     = "change"
	sseClosed     = "closed"

	defaultHeartbeat = 15 * time.Second
)

type subscribedPayload struct {
	ChannelID uuid.UUID `json:"channel_id"`
	Filter    string    `json:"filter"`
}

type closedPayload struct {
	Error string `json:"error,omitempty"`
}

// SSEHandler streams hub events to HTTP clients as server-sent events. The query carries the
// filter: ?table=payment_intents&column=id&value=<uuid>.
type SSEHandler struct {
	sub       Subscriber
	heartbeat time.Duration
	log       *logger.Logger
}

func NewSSEHandler(sub Subscriber, log *logger.Logger) *SSEHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &SSEHandler{sub: sub, heartbeat: defaultHeartbeat, log: log.WithComponent("realtime-sse")}
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := Filter{Table: q.Get("table"), Column: q.Get("column"), Value: q.Get("value")}
	if f.Table == "" {
		http.Error(w, "table is required", http.StatusBadRequest)
		return
	}
	if f.Column != "" && f.Value == "" {
		http.Error(w, "value is required with column", http.StatusBadRequest)
		return
	}

	stream, err := h.sub.Subscribe(r.Context(), f)
	if err != nil {
		h.log.ErrorContext(r.Context(), "subscribe failed", "filter", f.String(), "error", err)
		http.Error(w, "realtime unavailable", http.StatusServiceUnavailable)
		return
	}
	defer stream.Close()

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, sseSubscribed, subscribedPayload{ChannelID: stream.ID(), Filter: f.String()}); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		h.log.ErrorContext(r.Context(), "response does not support flushing", "error", err)
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-stream.Events():
			if !ok {
				var p closedPayload
				if err := stream.Err(); err != nil {
					p.Error = err.Error()
				}
				_ = writeSSE(w, sseClosed, p)
				_ = rc.Flush()
				return
			}
			if err := writeSSE(w, sseChange, e); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func writeSSE(w io.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

// ErrStreamClosed is reported by a client stream the server closed, carrying the server's
// reason when it sent one.
var ErrStreamClosed = errors.New("realtime stream closed by server")
