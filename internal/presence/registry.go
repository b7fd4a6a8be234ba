// Package presence tracks which users currently hold a live connection on this process.
package presence

import (
	"context"
	"sync"
)

// Outcome is the result of a delivery that asked for acknowledgment.
type Outcome int

const (
	// OutcomePending means the payload was sent, or could not be, and no acknowledgment arrived.
	OutcomePending Outcome = iota
	// OutcomeAcknowledged means the client confirmed receipt.
	OutcomeAcknowledged
)

func (o Outcome) String() string {
	if o == OutcomeAcknowledged {
		return "acknowledged"
	}
	return "pending"
}

// Channel is the outbound half of a client connection.
type Channel interface {
	// ID identifies the connection, not the user.
	ID() string
	// Notify sends a fire-and-forget event.
	Notify(event string, payload any) error
	// Deliver sends an event and waits until it is acknowledged, the connection closes or ctx ends.
	Deliver(ctx context.Context, event string, payload any) Outcome
}

// Registry maps user ids to their live channel. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

// Register binds channel to userID, replacing any earlier channel.
func (r *Registry) Register(userID string, channel Channel) {
	if userID == "" || channel == nil {
		return
	}
	r.mu.Lock()
	r.channels[userID] = channel
	r.mu.Unlock()
}

// Unregister removes userID's entry when it still points at channel.
// It reports false when a newer connection has already replaced it.
func (r *Registry) Unregister(userID string, channel Channel) bool {
	if channel == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.channels[userID]
	if !ok || current.ID() != channel.ID() {
		return false
	}
	delete(r.channels, userID)
	return true
}

// Lookup returns the live channel for userID.
func (r *Registry) Lookup(userID string) (Channel, bool) {
	r.mu.RLock()
	channel, ok := r.channels[userID]
	r.mu.RUnlock()
	return channel, ok
}

// Count returns the number of online users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
