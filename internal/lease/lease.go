// Package lease tracks long-running device operations, such as a card payment waiting on the
// terminal, so the host can keep the app alive while at least one is in flight.
package lease

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type Manager struct {
	// hookMu orders the first/last hooks with the state changes that fire them.
	hookMu sync.Mutex
	mu     sync.Mutex
	active map[uint64]*Lease
	next   uint64

	onFirst []func()
	onLast  []func()
}

func NewManager() *Manager {
	return &Manager{active: make(map[uint64]*Lease)}
}

// OnFirstAcquire registers fn to run when the count goes from zero to one. Hooks must not
// acquire or release leases.
func (m *Manager) OnFirstAcquire(fn func()) {
	m.hookMu.Lock()
	m.onFirst = append(m.onFirst, fn)
	m.hookMu.Unlock()
}

// OnLastRelease registers fn to run when the count drops back to zero.
func (m *Manager) OnLastRelease(fn func()) {
	m.hookMu.Lock()
	m.onLast = append(m.onLast, fn)
	m.hookMu.Unlock()
}

func (m *Manager) Acquire(reason string) *Lease {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()

	m.mu.Lock()
	m.next++
	l := &Lease{m: m, id: m.next, reason: reason, acquiredAt: time.Now()}
	m.active[l.id] = l
	first := len(m.active) == 1
	m.mu.Unlock()

	if first {
		for _, fn := range m.onFirst {
			fn()
		}
	}
	return l
}

func (m *Manager) release(l *Lease) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()

	m.mu.Lock()
	delete(m.active, l.id)
	last := len(m.active) == 0
	m.mu.Unlock()

	if last {
		for _, fn := range m.onLast {
			fn()
		}
	}
}

func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Reasons lists why the host is being kept alive, oldest lease first.
func (m *Manager) Reasons() []string {
	m.mu.Lock()
	leases := make([]*Lease, 0, len(m.active))
	for _, l := range m.active {
		leases = append(leases, l)
	}
	m.mu.Unlock()

	sort.Slice(leases, func(i, j int) bool { return leases[i].id < leases[j].id })
	out := make([]string, len(leases))
	for i, l := range leases {
		out[i] = l.reason
	}
	return out
}

type Lease struct {
	m          *Manager
	id         uint64
	reason     string
	acquiredAt time.Time
	released   atomic.Bool
}

func (l *Lease) Reason() string { return l.reason }

func (l *Lease) Held() time.Duration { return time.Since(l.acquiredAt) }

// Release is idempotent.
func (l *Lease) Release() {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return
	}
	l.m.release(l)
}
