package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fjod/go_pos/domain"
)

func setupSSE(t *testing.T) (*Hub, *SSEClient, func()) {
	hub := NewHub(nil)
	srv := httptest.NewServer(NewSSEHandler(hub, nil))
	client := NewSSEClient(srv.URL, srv.Client(), Backoff{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond, MaxAttempts: 3}, nil)

	cleanup := func() {
		hub.Close()
		srv.Close()
	}
	return hub, client, cleanup
}

// dropAll ends every hub subscription as if it had lagged.
func dropAll(h *Hub) {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()
	for _, s := range subs {
		h.remove(s, ErrLagged)
	}
}

func TestSSE_DeliversMatchingEvents(t *testing.T) {
	hub, client, cleanup := setupSSE(t)
	defer cleanup()

	id := uuid.New()
	stream, err := client.Subscribe(context.Background(), Filter{Table: TablePaymentIntents, Column: "id", Value: id.String()})
	require.NoError(t, err)
	defer stream.Close()
	assert.NotEqual(t, uuid.Nil, stream.ID())
	require.Equal(t, 1, hub.Len())

	hub.Publish(intentEvent(t, &domain.PaymentIntent{ID: uuid.New(), Status: domain.IntentStatusProcessing}))
	hub.Publish(intentEvent(t, &domain.PaymentIntent{ID: id, Status: domain.IntentStatusAwaitingTerminal, Version: 2}))

	p, err := DecodeIntent(receive(t, stream))
	require.NoError(t, err)
	assert.Equal(t, id, p.ID)
	assert.Equal(t, domain.IntentStatusAwaitingTerminal, p.Status)
}

func TestSSE_ReconnectsWithFreshChannel(t *testing.T) {
	hub, client, cleanup := setupSSE(t)
	defer cleanup()

	stream, err := client.Subscribe(context.Background(), Filter{Table: TableOrders})
	require.NoError(t, err)
	defer stream.Close()
	first := stream.ID()

	dropAll(hub)
	require.Eventually(t, func() bool {
		return hub.Len() == 1 && stream.ID() != first
	}, timeout, tick)

	hub.Publish(Event{Table: TableOrders, Type: EventInsert, Record: []byte(`{"id":"` + uuid.NewString() + `"}`)})
	e := receive(t, stream)
	assert.Equal(t, EventInsert, e.Type)
}

func TestSSE_CloseStopsStream(t *testing.T) {
	hub, client, cleanup := setupSSE(t)
	defer cleanup()

	stream, err := client.Subscribe(context.Background(), Filter{Table: TableOrders})
	require.NoError(t, err)

	stream.Close()
	_, ok := <-stream.Events()
	assert.False(t, ok)
	assert.NoError(t, stream.Err())
	require.Eventually(t, func() bool { return hub.Len() == 0 }, timeout, tick)
}

func TestSSE_GivesUpAfterMaxAttempts(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(NewSSEHandler(hub, nil))
	client := NewSSEClient(srv.URL, srv.Client(), Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, MaxAttempts: 2}, nil)

	stream, err := client.Subscribe(context.Background(), Filter{Table: TableOrders})
	require.NoError(t, err)

	srv.CloseClientConnections()
	srv.Close()

	for range stream.Events() {
	}
	assert.ErrorContains(t, stream.Err(), "giving up after 2 reconnect attempts")
	hub.Close()
}

func TestSSE_BadRequests(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Close()
	h := NewSSEHandler(hub, nil)

	for _, target := range []string{"/", "/?table=orders&column=id"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}

	_, err := NewSSEClient("http://127.0.0.1:1", nil, Backoff{}, nil).Subscribe(context.Background(), Filter{Table: TableOrders})
	assert.Error(t, err)
}
