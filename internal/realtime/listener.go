package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/fjod/go_pos/pkg/logger"
)

// NotifyChannel is the Postgres channel the row triggers notify on.
const NotifyChannel = "realtime"

const (
	listenerMinReconnect = 2 * time.Second
	listenerMaxReconnect = time.Minute
	listenerPingInterval = 90 * time.Second
)

// Listener turns Postgres NOTIFY payloads into hub events.
type Listener struct {
	dsn string
	pub Publisher
	log *logger.Logger
}

func NewListener(dsn string, pub Publisher, log *logger.Logger) *Listener {
	if log == nil {
		log = logger.Nop()
	}
	return &Listener{dsn: dsn, pub: pub, log: log.WithComponent("realtime-listener")}
}

// Run listens until ctx is done. pq reconnects on its own; notifications sent while the
// connection was down are lost, and clients cover that with their poll fallback.
func (l *Listener) Run(ctx context.Context) error {
	listener := pq.NewListener(l.dsn, listenerMinReconnect, listenerMaxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed:
			l.log.Warn("listener connection attempt failed", "error", err)
		case pq.ListenerEventDisconnected:
			l.log.Warn("listener disconnected", "error", err)
		case pq.ListenerEventReconnected:
			l.log.Info("listener reconnected")
		}
	})
	defer listener.Close()

	if err := listener.Listen(NotifyChannel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", NotifyChannel, err)
	}
	l.log.Info("listening for row changes", "channel", NotifyChannel)

	ping := time.NewTicker(listenerPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			// nil after a reconnect
			if n == nil {
				continue
			}
			e, err := ParseNotification(n.Extra)
			if err != nil {
				l.log.Warn("dropping malformed notification", "error", err)
				continue
			}
			l.pub.Publish(e)
		case <-ping.C:
			go func() {
				if err := listener.Ping(); err != nil {
					l.log.Warn("listener ping failed", "error", err)
				}
			}()
		}
	}
}

var jsonNull = []byte("null")

// ParseNotification decodes a trigger payload. SQL nulls for record or old_record become
// absent.
func ParseNotification(payload string) (Event, error) {
	var e Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrSchemaMismatch, err)
	}
	if bytes.Equal(e.Record, jsonNull) {
		e.Record = nil
	}
	if bytes.Equal(e.OldRecord, jsonNull) {
		e.OldRecord = nil
	}
	if e.Table == "" {
		return Event{}, fmt.Errorf("%w: notification without table", ErrSchemaMismatch)
	}
	switch e.Type {
	case EventInsert, EventUpdate, EventDelete:
	default:
		return Event{}, fmt.Errorf("%w: unknown event type %q", ErrSchemaMismatch, e.Type)
	}
	return e, nil
}
