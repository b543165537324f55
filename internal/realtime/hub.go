package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/fjod/go_pos/pkg/logger"
)

// ErrLagged closes a subscription whose buffer filled up. The subscriber should re-fetch the
// state it cares about and subscribe again.
var ErrLagged = errors.New("realtime subscriber lagged behind")

var ErrHubClosed = errors.New("realtime hub closed")

const defaultBuffer = 64

// Stream is a live subscription. Events is closed when the stream ends; Err says why.
type Stream interface {
	ID() uuid.UUID
	Events() <-chan Event
	Err() error
	Close()
}

type Subscriber interface {
	Subscribe(ctx context.Context, f Filter) (Stream, error)
}

// Publisher accepts row change events from a source.
type Publisher interface {
	Publish(e Event)
}

type Hub struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]*Subscription
	buffer int
	closed bool
	log    *logger.Logger
}

func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Nop()
	}
	return &Hub{
		subs:   make(map[uuid.UUID]*Subscription),
		buffer: defaultBuffer,
		log:    log.WithComponent("realtime-hub"),
	}
}

// Subscribe registers a new subscription with a fresh identity. It ends when ctx is done,
// when Close is called, or when it lags.
func (h *Hub) Subscribe(ctx context.Context, f Filter) (Stream, error) {
	s := &Subscription{
		id:     uuid.New(),
		filter: f,
		events: make(chan Event, h.buffer),
		hub:    h,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	h.subs[s.id] = s
	h.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { h.remove(s, ctx.Err()) })
	h.mu.Lock()
	s.stop = stop
	h.mu.Unlock()
	h.log.Debug("subscribed", "channel_id", s.id, "filter", f.String())
	return s, nil
}

// Publish delivers e to every matching subscription without blocking.
func (h *Hub) Publish(e Event) {
	var lagged []*Subscription

	h.mu.RLock()
	for _, s := range h.subs {
		if !s.filter.Matches(e) {
			continue
		}
		select {
		case s.events <- e:
		default:
			lagged = append(lagged, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range lagged {
		h.log.Warn("dropping lagged subscriber", "channel_id", s.id, "filter", s.filter.String())
		h.remove(s, ErrLagged)
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close ends every subscription with ErrHubClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		h.remove(s, ErrHubClosed)
	}
}

func (h *Hub) remove(s *Subscription, cause error) {
	h.mu.Lock()
	if _, ok := h.subs[s.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subs, s.id)
	s.errMu.Lock()
	s.err = cause
	s.errMu.Unlock()
	// under the write lock no Publish can be sending on the channel
	close(s.events)
	stop := s.stop
	h.mu.Unlock()

	if stop != nil {
		stop()
	}
}

type Subscription struct {
	id     uuid.UUID
	filter Filter
	events chan Event
	hub    *Hub
	stop   func() bool

	errMu sync.Mutex
	err   error
}

func (s *Subscription) ID() uuid.UUID        { return s.id }
func (s *Subscription) Events() <-chan Event { return s.events }

func (s *Subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Subscription) Close() {
	s.hub.remove(s, nil)
}
