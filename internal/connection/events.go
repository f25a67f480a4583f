package connection

import (
	"sync"
	"time"
)

// Event is anything published on a Bus.
type Event interface {
	event()
}

// StateChangeEvent follows every Transition, including one to the same state.
type StateChangeEvent struct {
	Role   Role
	State  State
	Active bool
}

// ActivatedEvent is published on entering capability confirmation.
// FirstActivation is false after a deactivation-reactivation.
type ActivatedEvent struct {
	Role            Role
	FirstActivation bool
}

// AttemptEvent closes one Connect or Accept call. Err is nil on success.
type AttemptEvent struct {
	Role     Role
	Duration time.Duration
	Err      error
}

func (StateChangeEvent) event() {}
func (ActivatedEvent) event()   {}
func (AttemptEvent) event()     {}

// Bus delivers events synchronously on the connection's goroutine.
// Subscribers must not block.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Event)
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Event))}
}

// Subscribe registers fn and returns the function that removes it.
func (b *Bus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = fn

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	subs := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		fn(e)
	}
}
