// Package bus provides the in-process event bus carrying deployment events
// between the orchestrator and its collaborators. It is pure delivery: no
// deployment logic lives here.
package bus

import (
	"log/slog"
	"sync"

	"github.com/artpar/rollout/internal/core/domain"
)

// Publisher is the write side of the bus. Collaborators hold only this.
type Publisher interface {
	Publish(ev domain.DeploymentEvent)
}

// =============================================================================
// Bus
// =============================================================================

// Bus is an in-process publish/subscribe channel for deployment events.
// Delivery to a subscriber is in publish order. Subscribers that fall behind
// their buffer have events dropped rather than blocking the publisher;
// consumers that must not miss events size their buffer accordingly and the
// durable event journal in the store backs them up.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	logger *slog.Logger
}

type subscriber struct {
	name string
	ch   chan domain.DeploymentEvent
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[int]*subscriber),
		logger: logger.With("component", "bus"),
	}
}

// Subscribe registers a named subscriber with the given channel buffer.
// The returned cancel function removes the subscription; the channel is left
// open (a publish racing the cancel may still be holding it) and simply stops
// receiving. Consumers select on their own context, not on channel close.
func (b *Bus) Subscribe(name string, buffer int) (<-chan domain.DeploymentEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{name: name, ch: make(chan domain.DeploymentEvent, buffer)}
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish delivers the event to every subscriber. Publish never blocks: a
// full subscriber drops the event with a log line.
func (b *Bus) Publish(ev domain.DeploymentEvent) {
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("subscriber full, dropping event",
				"subscriber", sub.name,
				"event_type", ev.Type,
				"deployment_id", ev.DeploymentID,
			)
		}
	}
}
