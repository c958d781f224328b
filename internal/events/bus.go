package events

import (
	"context"
	"sync"
	"time"
)

// Type names a domain event raised by the write path.
type Type string

const (
	NodeCreated         Type = "node_created"
	NodeUpdated         Type = "node_updated"
	NodeDeleted         Type = "node_deleted"
	CollaboratorAdded   Type = "collaborator_added"
	CollaboratorRemoved Type = "collaborator_removed"
	InteractionUpdated  Type = "interaction_updated"
)

const defaultBufferSize = 256

// Event describes a committed change. UserID is set for collaborator events only.
type Event struct {
	Type        Type
	WorkspaceID string
	NodeID      string
	NodeType    string
	UserID      string
	OccurredAt  time.Time
}

// Publisher accepts events after their write has committed.
type Publisher interface {
	Publish(event Event)
}

// Bus fans events out to in-process subscribers without blocking the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Event
	nextID      int64
	bufferSize  int
	onDrop      func(Event)
}

// BusOption customises a Bus.
type BusOption func(*Bus)

// WithBufferSize sets the per-subscriber channel capacity.
func WithBufferSize(size int) BusOption {
	return func(bus *Bus) {
		if size > 0 {
			bus.bufferSize = size
		}
	}
}

// WithDropHandler registers a callback invoked when a slow subscriber misses an event.
func WithDropHandler(handler func(Event)) BusOption {
	return func(bus *Bus) {
		bus.onDrop = handler
	}
}

// NewBus constructs an empty bus.
func NewBus(options ...BusOption) *Bus {
	bus := &Bus{
		subscribers: make(map[int64]chan Event),
		bufferSize:  defaultBufferSize,
	}
	for _, option := range options {
		option(bus)
	}
	return bus
}

// Subscribe registers a subscriber until ctx is cancelled or cleanup is called.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, func()) {
	stream := make(chan Event, b.bufferSize)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[id] = stream
	b.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
			close(stream)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Publish delivers the event to every subscriber with free buffer space.
func (b *Bus) Publish(event Event) {
	if event.Type == "" {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, subscriber := range b.subscribers {
		select {
		case subscriber <- event:
		default:
			if b.onDrop != nil {
				b.onDrop(event)
			}
		}
	}
}

// NopPublisher discards events.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(Event) {}
