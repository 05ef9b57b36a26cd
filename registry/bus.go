package registry

import (
	"sync"

	"github.com/llmlb/llmlb/types"
)

// ChangeKind classifies one registry mutation published on the Bus.
type ChangeKind string

const (
	ChangeCreated       ChangeKind = "created"
	ChangeUpdated       ChangeKind = "updated"
	ChangeDeleted       ChangeKind = "deleted"
	ChangeStatusChanged ChangeKind = "status_changed"
)

// Change is one registry mutation event. Reprobe signals that the
// dispatcher's cached catalog view and the health prober should treat this
// endpoint as needing an immediate re-probe (base_url changed, manual type
// override, or a forced check() call).
type Change struct {
	Kind     ChangeKind
	Endpoint types.Endpoint
	Reprobe  bool
}

// subscriberBuffer bounds how many undelivered events a slow subscriber may
// accumulate before new events are dropped for it.
const subscriberBuffer = 64

// Bus is a small fan-out broadcaster for registry change events. Each
// subscriber gets its own buffered channel; a slow or stalled subscriber
// never blocks Publish for the others.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Change
	nextID      int
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[int]chan Change)}
}

// Subscribe registers a new listener and returns its id (for Unsubscribe)
// and its receive channel.
func (b *Bus) Subscribe() (int, <-chan Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Change, subscriberBuffer)
	b.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber's channel.
func (b *Bus) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
	}
}

// Publish fans a change out to every subscriber. A subscriber whose buffer
// is full drops the event rather than blocking the writer.
func (b *Bus) Publish(c Change) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- c:
		default:
		}
	}
}
