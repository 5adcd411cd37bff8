// Package feed carries change notifications for the persisted collections.
// The service publishes an event after every committed mutation; interested
// consumers (a sync worker, a second terminal) subscribe and react. The
// in-process broadcaster backs the local store, the redis variant fans out
// across processes when a remote backend is configured.
package feed

import (
	"context"
	"sync"
	"time"
)

const (
	KindCreated = "created"
	KindUpdated = "updated"
)

// Event identifies one committed change to one record.
type Event struct {
	Collection string    `json:"collection"`
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	At         time.Time `json:"at"`
}

type Feed interface {
	Publish(ctx context.Context, event Event) error
	// Subscribe delivers events on the returned channel until ctx is done.
	// A slow consumer is skipped, never blocked on.
	Subscribe(ctx context.Context) (<-chan Event, error)
}

// NoopFeed drops every event. Used when change notifications are disabled.
type NoopFeed struct{}

func (NoopFeed) Publish(_ context.Context, _ Event) error { return nil }

func (NoopFeed) Subscribe(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

// Broadcaster is the in-process feed. Every subscriber gets its own buffered
// channel; a full buffer drops the event for that subscriber rather than
// stalling the publisher.
type Broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

func (b *Broadcaster) Publish(_ context.Context, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 64)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}
