// Package collection holds device-side lists of carts and orders. Writes go through the
// shared mutation lock; reads see immutable snapshots whose indexes are rebuilt on every write.
package collection

import (
	"context"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/fjod/go_pos/internal/mutation"
)

// Index groups items by a string key, e.g. order status or channel.
type Index[T any] struct {
	Name string
	Key  func(T) string
}

type Collection[K comparable, T any] struct {
	lock    *mutation.Lock
	key     func(T) K
	indexes []Index[T]
	snap    atomic.Pointer[Snapshot[K, T]]

	obsMu     sync.Mutex
	observers []func(*Snapshot[K, T])
}

func New[K comparable, T any](lock *mutation.Lock, key func(T) K, indexes ...Index[T]) *Collection[K, T] {
	c := &Collection[K, T]{lock: lock, key: key, indexes: indexes}
	c.snap.Store(c.build(nil))
	return c
}

func (c *Collection[K, T]) Snapshot() *Snapshot[K, T] {
	return c.snap.Load()
}

// Observe registers fn to be called with every new snapshot, in write order.
func (c *Collection[K, T]) Observe(fn func(*Snapshot[K, T])) {
	c.obsMu.Lock()
	c.observers = append(c.observers, fn)
	c.obsMu.Unlock()
}

// Upsert replaces items with the same key in place and appends the rest.
func (c *Collection[K, T]) Upsert(ctx context.Context, items ...T) error {
	return c.Mutate(ctx, func(cur []T) ([]T, error) {
		pos := make(map[K]int, len(cur))
		for i, it := range cur {
			pos[c.key(it)] = i
		}
		for _, it := range items {
			k := c.key(it)
			if i, ok := pos[k]; ok {
				cur[i] = it
				continue
			}
			pos[k] = len(cur)
			cur = append(cur, it)
		}
		return cur, nil
	})
}

func (c *Collection[K, T]) Remove(ctx context.Context, keys ...K) error {
	drop := make(map[K]struct{}, len(keys))
	for _, k := range keys {
		drop[k] = struct{}{}
	}
	return c.Mutate(ctx, func(cur []T) ([]T, error) {
		out := cur[:0]
		for _, it := range cur {
			if _, ok := drop[c.key(it)]; !ok {
				out = append(out, it)
			}
		}
		return out, nil
	})
}

// Replace swaps the whole content, e.g. after a full re-fetch.
func (c *Collection[K, T]) Replace(ctx context.Context, items []T) error {
	return c.Mutate(ctx, func([]T) ([]T, error) {
		return append([]T(nil), items...), nil
	})
}

// Mutate runs fn under the mutation lock on a private copy of the items. When fn returns an
// error nothing changes.
func (c *Collection[K, T]) Mutate(ctx context.Context, fn func(items []T) ([]T, error)) error {
	return c.lock.Do(ctx, func(context.Context) error {
		cur := c.snap.Load()
		next, err := fn(append([]T(nil), cur.items...))
		if err != nil {
			return err
		}
		snap := c.build(next)
		c.snap.Store(snap)
		c.notify(snap)
		return nil
	})
}

func (c *Collection[K, T]) notify(snap *Snapshot[K, T]) {
	c.obsMu.Lock()
	observers := slices.Clone(c.observers)
	c.obsMu.Unlock()
	for _, fn := range observers {
		fn(snap)
	}
}

// build dedupes by key, last one wins, keeping first-seen order.
func (c *Collection[K, T]) build(items []T) *Snapshot[K, T] {
	s := &Snapshot[K, T]{
		byKey:  make(map[K]int, len(items)),
		groups: make(map[string]map[string][]int, len(c.indexes)),
	}
	for _, it := range items {
		k := c.key(it)
		if i, ok := s.byKey[k]; ok {
			s.items[i] = it
			continue
		}
		s.byKey[k] = len(s.items)
		s.items = append(s.items, it)
	}
	for _, idx := range c.indexes {
		g := make(map[string][]int)
		for i, it := range s.items {
			gk := idx.Key(it)
			g[gk] = append(g[gk], i)
		}
		s.groups[idx.Name] = g
	}
	return s
}

// Snapshot is an immutable view of a collection.
type Snapshot[K comparable, T any] struct {
	items  []T
	byKey  map[K]int
	groups map[string]map[string][]int
}

func (s *Snapshot[K, T]) Len() int { return len(s.items) }

func (s *Snapshot[K, T]) All() []T {
	return append([]T(nil), s.items...)
}

func (s *Snapshot[K, T]) Get(k K) (T, bool) {
	i, ok := s.byKey[k]
	if !ok {
		var zero T
		return zero, false
	}
	return s.items[i], true
}

// Group returns the items whose index key equals key, in collection order.
func (s *Snapshot[K, T]) Group(index, key string) []T {
	idx := s.groups[index][key]
	out := make([]T, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.items[i])
	}
	return out
}

// GroupKeys lists the distinct keys of an index, sorted.
func (s *Snapshot[K, T]) GroupKeys(index string) []string {
	g := s.groups[index]
	keys := make([]string, 0, len(g))
	for k := range g {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
