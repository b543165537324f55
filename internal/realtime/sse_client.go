package realtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fjod/go_pos/pkg/logger"
)

// Backoff controls reconnects of a client stream. Attempts counts consecutive failures; a
// successful connect resets it.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{Initial: 500 * time.Millisecond, Max: 15 * time.Second, MaxAttempts: 8}
}

func (b Backoff) delay(attempt int) time.Duration {
	d := b.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	return d
}

// SSEClient subscribes to a remote SSEHandler. Every connection gets its own channel id
// from the server, so a reconnect never reuses a channel that was torn down.
type SSEClient struct {
	url     string
	client  *http.Client
	backoff Backoff
	log     *logger.Logger
}

func NewSSEClient(endpoint string, client *http.Client, backoff Backoff, log *logger.Logger) *SSEClient {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = logger.Nop()
	}
	if backoff.Initial <= 0 {
		backoff = DefaultBackoff()
	}
	return &SSEClient{url: endpoint, client: client, backoff: backoff, log: log.WithComponent("realtime-client")}
}

// Subscribe connects once before returning, so an unreachable server is reported to the
// caller. Later disconnects are retried in the background.
func (c *SSEClient) Subscribe(ctx context.Context, f Filter) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &clientStream{
		events: make(chan Event, defaultBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	body, id, err := c.connect(ctx, f)
	if err != nil {
		cancel()
		return nil, err
	}
	s.setID(id)

	go c.run(ctx, s, f, body)
	return s, nil
}

func (c *SSEClient) run(ctx context.Context, s *clientStream, f Filter, body io.ReadCloser) {
	defer close(s.done)
	defer close(s.events)

	failures := 0
	for {
		err := c.pump(ctx, s, body)
		body.Close()
		if ctx.Err() != nil {
			s.setErr(ctx.Err())
			return
		}
		c.log.Warn("realtime stream interrupted", "channel_id", s.ID(), "filter", f.String(), "error", err)

		for {
			failures++
			if c.backoff.MaxAttempts > 0 && failures > c.backoff.MaxAttempts {
				s.setErr(fmt.Errorf("giving up after %d reconnect attempts: %w", c.backoff.MaxAttempts, err))
				return
			}
			timer := time.NewTimer(c.backoff.delay(failures))
			select {
			case <-ctx.Done():
				timer.Stop()
				s.setErr(ctx.Err())
				return
			case <-timer.C:
			}

			var id uuid.UUID
			body, id, err = c.connect(ctx, f)
			if err == nil {
				failures = 0
				s.setID(id)
				c.log.Info("realtime stream reconnected", "channel_id", id, "filter", f.String())
				break
			}
			c.log.Warn("realtime reconnect failed", "attempt", failures, "error", err)
		}
	}
}

// connect opens the stream and reads up to the subscribed event.
func (c *SSEClient) connect(ctx context.Context, f Filter) (io.ReadCloser, uuid.UUID, error) {
	q := url.Values{}
	q.Set("table", f.Table)
	if f.Column != "" {
		q.Set("column", f.Column)
		q.Set("value", f.Value)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"?"+q.Encode(), nil)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("realtime connect failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, uuid.Nil, fmt.Errorf("realtime connect failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	r := &sseReader{body: resp.Body, scanner: bufio.NewScanner(resp.Body)}
	name, data, err := r.next()
	if err != nil {
		resp.Body.Close()
		return nil, uuid.Nil, fmt.Errorf("realtime handshake failed: %w", err)
	}
	if name != sseSubscribed {
		resp.Body.Close()
		return nil, uuid.Nil, fmt.Errorf("realtime handshake failed: unexpected event %q", name)
	}
	var p subscribedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		resp.Body.Close()
		return nil, uuid.Nil, fmt.Errorf("realtime handshake failed: %w", err)
	}
	return r, p.ChannelID, nil
}

func (c *SSEClient) pump(ctx context.Context, s *clientStream, body io.ReadCloser) error {
	r, ok := body.(*sseReader)
	if !ok {
		r = &sseReader{body: body, scanner: bufio.NewScanner(body)}
	}
	for {
		name, data, err := r.next()
		if err != nil {
			return err
		}
		switch name {
		case sseChange:
			var e Event
			if err := json.Unmarshal(data, &e); err != nil {
				c.log.Warn("dropping malformed realtime event", "error", err)
				continue
			}
			select {
			case s.events <- e:
			case <-ctx.Done():
				return ctx.Err()
			}
		case sseClosed:
			var p closedPayload
			_ = json.Unmarshal(data, &p)
			if p.Error != "" {
				return fmt.Errorf("%w: %s", ErrStreamClosed, p.Error)
			}
			return ErrStreamClosed
		}
	}
}

// sseReader yields one event per call. Comment lines (heartbeats) are skipped.
type sseReader struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func (r *sseReader) Read(p []byte) (int, error) { return r.body.Read(p) }
func (r *sseReader) Close() error               { return r.body.Close() }

func (r *sseReader) next() (string, []byte, error) {
	var (
		name string
		data bytes.Buffer
	)
	for r.scanner.Scan() {
		line := r.scanner.Text()
		switch {
		case line == "":
			if name == "" && data.Len() == 0 {
				continue
			}
			if name == "" {
				name = "message"
			}
			return name, data.Bytes(), nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := r.scanner.Err(); err != nil {
		return "", nil, err
	}
	return "", nil, io.ErrUnexpectedEOF
}

type clientStream struct {
	events chan Event
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	id  uuid.UUID
	err error
}

func (s *clientStream) ID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *clientStream) setID(id uuid.UUID) {
	s.mu.Lock()
	s.id = id
	s.mu.Unlock()
}

func (s *clientStream) Events() <-chan Event { return s.events }

func (s *clientStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if errors.Is(s.err, context.Canceled) {
		return nil
	}
	return s.err
}

func (s *clientStream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *clientStream) Close() {
	s.cancel()
	<-s.done
}

var _ Subscriber = (*SSEClient)(nil)
