package lease

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_Hooks(t *testing.T) {
	m := NewManager()
	var events []string
	m.OnFirstAcquire(func() { events = append(events, "first") })
	m.OnLastRelease(func() { events = append(events, "last") })

	a := m.Acquire("card payment")
	b := m.Acquire("order sync")
	assert.Equal(t, 2, m.Active())
	assert.Equal(t, []string{"card payment", "order sync"}, m.Reasons())

	a.Release()
	assert.Equal(t, []string{"first"}, events)
	b.Release()
	assert.Equal(t, []string{"first", "last"}, events)
	assert.Zero(t, m.Active())

	m.Acquire("again").Release()
	assert.Equal(t, []string{"first", "last", "first", "last"}, events)
}

func TestLease_ReleaseIsIdempotent(t *testing.T) {
	m := NewManager()
	var last int
	m.OnLastRelease(func() { last++ })

	keep := m.Acquire("keep")
	l := m.Acquire("payment")
	l.Release()
	l.Release()
	assert.Equal(t, 1, m.Active(), "double release must not drop another lease")
	assert.Zero(t, last)

	keep.Release()
	assert.Equal(t, 1, last)

	var nilLease *Lease
	assert.NotPanics(t, nilLease.Release)
}

func TestManager_HooksMaySeeCount(t *testing.T) {
	m := NewManager()
	var seen int
	m.OnFirstAcquire(func() { seen = m.Active() })
	m.Acquire("x")
	assert.Equal(t, 1, seen)
}

func TestManager_Concurrent(t *testing.T) {
	m := NewManager()
	var mu sync.Mutex
	balance := 0
	m.OnFirstAcquire(func() { mu.Lock(); balance++; mu.Unlock() })
	m.OnLastRelease(func() { mu.Lock(); balance--; mu.Unlock() })

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := m.Acquire("work")
			defer l.Release()
			l.Release()
		}()
	}
	wg.Wait()

	require.Zero(t, m.Active())
	assert.Zero(t, balance, "every first acquire is matched by a last release")
}
