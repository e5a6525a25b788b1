// Package events provides the in-process notification channel between
// background components and the render surface.
package events

import "sync"

// Type enumerates event categories.
type Type string

const (
	// TypeSlot carries a playlist.Snapshot whenever the scheduler changes state.
	TypeSlot Type = "slot"
	// TypeStatus carries the fetcher's operator-visible status.
	TypeStatus Type = "status"
	// TypeUpdateAvailable announces a newer build.
	TypeUpdateAvailable Type = "update:available"
	// TypeUpdateError reports a failed update check.
	TypeUpdateError Type = "update:error"
)

// Event is a single notification.
type Event struct {
	Type    Type `json:"type"`
	Payload any  `json:"payload"`
}

// UpdateAvailable is the payload of TypeUpdateAvailable.
type UpdateAvailable struct {
	CurrentBuild string `json:"currentBuild"`
	LatestBuild  string `json:"latestBuild"`
}

// UpdateError is the payload of TypeUpdateError.
type UpdateError struct {
	Message string `json:"message"`
}

// Handler receives events. Handlers run on the publisher's goroutine and
// must not block.
type Handler func(Event)

// Bus is a callback based pubsub.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Type]map[int]Handler
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Type]map[int]Handler)}
}

// Subscribe registers fn for each of the given event types. The returned
// function removes every registration; calling it more than once is safe.
func (b *Bus) Subscribe(fn Handler, types ...Type) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	for _, t := range types {
		if b.subs[t] == nil {
			b.subs[t] = make(map[int]Handler)
		}
		b.subs[t][id] = fn
	}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for _, t := range types {
				delete(b.subs[t], id)
			}
		})
	}
}

// Publish delivers an event to every current subscriber of its type.
func (b *Bus) Publish(t Type, payload any) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[t]))
	for _, h := range b.subs[t] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	ev := Event{Type: t, Payload: payload}
	for _, h := range handlers {
		h(ev)
	}
}

// Subscribers returns the number of handlers registered for t.
func (b *Bus) Subscribers(t Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[t])
}
