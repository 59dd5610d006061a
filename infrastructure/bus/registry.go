// Package bus provides the in-process EventBus and the subscription
// registry shared with the networked hub client.
package bus

import (
	"chitchat/contract"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type subscriber struct {
	id      string
	handler contract.Handler
}

// Registry maps channels to their local subscribers.
// Handlers are returned in subscription order.
type Registry struct {
	mu       sync.RWMutex
	channels map[string][]subscriber
}

func NewRegistry() *Registry {
	return &Registry{channels: make(map[string][]subscriber)}
}

// Add registers handler on channel and returns its subscription id.
// first reports whether the channel had no subscriber before.
func (r *Registry) Add(channel string, handler contract.Handler) (id string, first bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id = uuid.NewString()
	first = len(r.channels[channel]) == 0
	r.channels[channel] = append(r.channels[channel], subscriber{id: id, handler: handler})
	return id, first
}

// Remove drops a subscription and reports whether the channel is now empty.
// Empty channels are removed so the map does not grow forever.
func (r *Registry) Remove(channel, id string) (last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.channels[channel]
	if !ok {
		return false
	}
	for i, s := range subs {
		if s.id == id {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(r.channels, channel)
		return true
	}
	r.channels[channel] = subs
	return false
}

// Handlers returns a snapshot, safe to call while handlers subscribe or
// unsubscribe.
func (r *Registry) Handlers(channel string) []contract.Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.channels[channel]
	handlers := make([]contract.Handler, 0, len(subs))
	for _, s := range subs {
		handlers = append(handlers, s.handler)
	}
	return handlers
}

// Channels lists every channel with at least one subscriber, sorted.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	channels := make([]string, 0, len(r.channels))
	for channel := range r.channels {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	return channels
}

func (r *Registry) Count(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels[channel])
}
