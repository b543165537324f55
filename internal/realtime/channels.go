package realtime

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/fjod/go_pos/pkg/logger"
)

var ErrChannelsClosed = errors.New("realtime channels closed")

// Handler receives the events of one named channel, one at a time.
type Handler func(e Event)

type channelDef struct {
	filter  Filter
	handler Handler
}

type activeChannel struct {
	def    channelDef
	stream Stream
	cancel context.CancelFunc
	done   chan struct{}
}

// Channels keeps at most one live subscription per logical name on a device. Suspend tears
// every subscription down when the app goes to the background; Resume brings them back and
// runs the refreshers, since events sent in between were missed.
type Channels struct {
	sub Subscriber
	log *logger.Logger

	base   context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	defs       map[string]channelDef
	active     map[string]*activeChannel
	refreshers []func(ctx context.Context) error
	suspended  bool
	closed     bool
}

func NewChannels(sub Subscriber, log *logger.Logger) *Channels {
	if log == nil {
		log = logger.Nop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Channels{
		sub:    sub,
		log:    log.WithComponent("realtime-channels"),
		base:   base,
		cancel: cancel,
		defs:   make(map[string]channelDef),
		active: make(map[string]*activeChannel),
	}
}

// Subscribe opens the named channel, replacing any previous channel with that name. The
// previous channel is fully torn down before the new one is opened.
func (c *Channels) Subscribe(ctx context.Context, name string, f Filter, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelsClosed
	}

	// teardown drops the lock while it waits, so someone may have reopened the name
	for {
		if _, ok := c.active[name]; !ok {
			break
		}
		c.teardownLocked(name)
	}
	if c.closed {
		return ErrChannelsClosed
	}
	def := channelDef{filter: f, handler: h}
	c.defs[name] = def
	if c.suspended {
		return nil
	}
	return c.openLocked(ctx, name, def)
}

func (c *Channels) Unsubscribe(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked(name)
	delete(c.defs, name)
}

// OnResume registers a refresher run after every Resume.
func (c *Channels) OnResume(fn func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshers = append(c.refreshers, fn)
}

func (c *Channels) Suspend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.suspended {
		return
	}
	c.suspended = true
	for name := range c.active {
		c.teardownLocked(name)
	}
	c.log.Info("realtime channels suspended", "channels", len(c.defs))
}

// Resume re-opens every known channel and then runs the refreshers. Every channel and
// refresher is tried even when one fails; the errors are joined.
func (c *Channels) Resume(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelsClosed
	}
	c.suspended = false

	var errs []error
	for _, name := range sortedKeys(c.defs) {
		if _, ok := c.active[name]; ok {
			continue
		}
		if err := c.openLocked(ctx, name, c.defs[name]); err != nil {
			errs = append(errs, err)
		}
	}
	refreshers := slices.Clone(c.refreshers)
	reopened := len(c.active)
	c.mu.Unlock()

	for _, fn := range refreshers {
		if err := fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("refresh after resume: %w", err))
		}
	}
	c.log.Info("realtime channels resumed", "channels", reopened, "refreshers", len(refreshers))
	return errors.Join(errs...)
}

// Active lists the names of open channels.
func (c *Channels) Active() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.active)
}

func (c *Channels) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for name := range c.active {
		c.teardownLocked(name)
	}
	c.mu.Unlock()
	c.cancel()
}

func (c *Channels) openLocked(ctx context.Context, name string, def channelDef) error {
	// the channel lives on the manager's context; ctx only bounds the connect
	chCtx, cancel := context.WithCancel(c.base)
	stop := context.AfterFunc(ctx, cancel)
	stream, err := c.sub.Subscribe(chCtx, def.filter)
	if !stop() && err == nil {
		stream.Close()
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe %s: %w", name, err)
	}

	ch := &activeChannel{def: def, stream: stream, cancel: cancel, done: make(chan struct{})}
	c.active[name] = ch
	go c.pump(name, ch)

	c.log.Debug("channel opened", "name", name, "channel_id", stream.ID(), "filter", def.filter.String())
	return nil
}

func (c *Channels) pump(name string, ch *activeChannel) {
	defer close(ch.done)
	for e := range ch.stream.Events() {
		ch.def.handler(e)
	}
	if err := ch.stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
		c.log.Warn("channel ended", "name", name, "error", err)
	}

	c.mu.Lock()
	if c.active[name] == ch {
		delete(c.active, name)
	}
	c.mu.Unlock()
}

// teardownLocked closes the named channel and waits for its handler to return. Handlers must
// not call back into Channels.
func (c *Channels) teardownLocked(name string) {
	ch, ok := c.active[name]
	if !ok {
		return
	}
	delete(c.active, name)
	ch.cancel()
	ch.stream.Close()
	c.mu.Unlock()
	<-ch.done
	c.mu.Lock()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
