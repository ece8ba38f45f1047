// Package events implements the named-channel broadcast registry that fans
// job and platform events out to live streaming connections. The registry is
// channel-name-agnostic; the channel naming scheme and event vocabulary used
// by the coordinator live in names.go.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Subscriber is a live delivery handle. Variants are the per-job submitter
// stream and the per-platform runner stream; both have exactly this shape.
type Subscriber interface {
	// Send delivers one named event with a pre-serialized payload.
	Send(event string, payload []byte) error
	// Close tears the subscriber down. It must be safe to call twice.
	Close()
}

// Registry holds channels and their subscribers.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]map[string]Subscriber
	log      *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		channels: make(map[string]map[string]Subscriber),
		log:      logger,
	}
}

// Subscribe adds a subscriber to a channel, creating the channel on first
// use. Re-subscribing with the same ID replaces the previous handle.
func (r *Registry) Subscribe(channel, id string, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.channels[channel]
	if !ok {
		subs = make(map[string]Subscriber)
		r.channels[channel] = subs
	}
	subs[id] = sub
}

// Unsubscribe removes a subscriber. The channel itself is discarded once its
// last subscriber leaves so channel names do not accumulate over the process
// lifetime.
func (r *Registry) Unsubscribe(channel, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.channels[channel]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(r.channels, channel)
	}
}

// Publish serializes payload once and delivers it to every current
// subscriber of the channel. A failing subscriber is logged and skipped;
// it never blocks delivery to the others or surfaces to the caller.
// Publishing to a channel with no subscribers is a no-op.
func (r *Registry) Publish(channel, event string, payload any) {
	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			r.log.Error("event payload not serializable", "channel", channel, "event", event, "error", err)
			return
		}
	}

	// Snapshot under the read lock, send outside it: subscriber sends may
	// touch the network and must not hold up registry mutation.
	r.mu.RLock()
	subs := make(map[string]Subscriber, len(r.channels[channel]))
	for id, sub := range r.channels[channel] {
		subs[id] = sub
	}
	r.mu.RUnlock()

	for id, sub := range subs {
		if err := sub.Send(event, data); err != nil {
			r.log.Warn("event delivery failed", "channel", channel, "event", event, "subscriber", id, "error", err)
		}
	}
}

// SubscriberCount returns the total number of subscribers across channels.
func (r *Registry) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, subs := range r.channels {
		n += len(subs)
	}
	return n
}

// ChannelCount returns the number of live channels.
func (r *Registry) ChannelCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Shutdown closes every subscriber best-effort and clears all channels.
// Used for graceful process termination.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	channels := r.channels
	r.channels = make(map[string]map[string]Subscriber)
	r.mu.Unlock()

	for _, subs := range channels {
		for _, sub := range subs {
			sub.Close()
		}
	}
}
