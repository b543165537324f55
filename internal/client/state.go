package client

import (
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseProcessing Phase = "processing"
	PhaseSuccess    Phase = "success"
	PhaseFailed     Phase = "failed"
)

// State is what the register shows for the payment in hand.
type State struct {
	Phase    Phase
	IntentID uuid.UUID
	// Message and Amount describe the current step while processing, e.g. "Present card 2".
	Message string
	Amount  *decimal.Decimal
	Label   string

	Completion *Completion
	Err        *PaymentError
}

const observerBuffer = 32

// emitter fans state changes out to observers. A slow observer misses intermediate states
// rather than blocking the payment; the last state is always delivered.
type emitter struct {
	mu        sync.Mutex
	state     State
	observers map[int]chan State
	nextID    int
}

func newEmitter() *emitter {
	return &emitter{state: State{Phase: PhaseIdle}, observers: make(map[int]chan State)}
}

func (e *emitter) current() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *emitter) set(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
	for _, ch := range e.observers {
		deliver(ch, s)
	}
}

// update changes the state only when fn accepts the current one.
func (e *emitter) update(fn func(cur State) (State, bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	next, ok := fn(e.state)
	if !ok {
		return
	}
	e.state = next
	for _, ch := range e.observers {
		deliver(ch, next)
	}
}

func (e *emitter) observe() (<-chan State, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	ch := make(chan State, observerBuffer)
	ch <- e.state
	e.observers[id] = ch

	return ch, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if _, ok := e.observers[id]; ok {
			delete(e.observers, id)
			close(ch)
		}
	}
}

func (e *emitter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, ch := range e.observers {
		delete(e.observers, id)
		close(ch)
	}
}

func deliver(ch chan State, s State) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		// full: drop the oldest
		select {
		case <-ch:
		default:
		}
	}
}
