// Package notify routes remote change notifications into the project tree.
//
// A Bus carries named events. The store's listener publishes every remote
// notification as RemoteNotificationReceived; a Router subscribed to that
// event turns "created" notifications into a record fetch followed by a
// splice on the dispatcher.
package notify

import (
	"sync"

	"github.com/iraspa/projectsync/internal/cloud"
)

// RemoteNotificationReceived is posted for every remote change notification.
const RemoteNotificationReceived = "RemoteNotificationReceived"

// Handler receives the notification carried by an event.
type Handler func(cloud.Notification)

// Bus is a synchronous named-event bus. Handlers run on the publishing
// goroutine in subscription order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID int
}

type subscription struct {
	id int
	fn Handler
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe registers fn for event. The returned function unregisters it
// and may be called more than once.
func (b *Bus) Subscribe(event string, fn Handler) (cancel func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[event] = append(b.subs[event], subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[event]
			for i, s := range subs {
				if s.id == id {
					b.subs[event] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(b.subs[event]) == 0 {
				delete(b.subs, event)
			}
		})
	}
}

// Publish delivers n to every handler of event and returns how many
// handlers received it.
func (b *Bus) Publish(event string, n cloud.Notification) int {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs[event]))
	copy(subs, b.subs[event])
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(n)
	}
	return len(subs)
}

// Subscribers returns the number of handlers registered for event.
func (b *Bus) Subscribers(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[event])
}
