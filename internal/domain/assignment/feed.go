package assignment

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Broker fans change events out to per-professional subscribers. Slow
// subscribers lose events rather than block the publisher; a listener that
// re-resolves on any event only needs to learn that something changed.
type Broker struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]map[int]chan ChangeEvent
	next int
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[uuid.UUID]map[int]chan ChangeEvent)}
}

// Subscribe implements Feed.
func (b *Broker) Subscribe(ctx context.Context, professionalID uuid.UUID) (<-chan ChangeEvent, error) {
	ch := make(chan ChangeEvent, 16)

	b.mu.Lock()
	id := b.next
	b.next++
	if b.subs[professionalID] == nil {
		b.subs[professionalID] = make(map[int]chan ChangeEvent)
	}
	b.subs[professionalID][id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[professionalID], id)
		if len(b.subs[professionalID]) == 0 {
			delete(b.subs, professionalID)
		}
		close(ch)
		b.mu.Unlock()
	}()

	return ch, nil
}

// Publish delivers evt to every subscriber of its professional.
func (b *Broker) Publish(evt ChangeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[evt.ProfessionalID] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Broadcast delivers evt to every subscriber regardless of professional.
func (b *Broker) Broadcast(evt ChangeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, subs := range b.subs {
		for _, ch := range subs {
			select {
			case ch <- evt:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of live subscriptions for a professional.
func (b *Broker) SubscriberCount(professionalID uuid.UUID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[professionalID])
}
