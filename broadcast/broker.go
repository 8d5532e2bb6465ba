package broadcast

import (
	"context"
	"sync"

	"taskboard-api/domain"
)

// subscriberBuffer is each observer's channel capacity. A subscriber that
// falls this far behind misses the event and must reconcile by re-reading
// current state.
const subscriberBuffer = 16

// Broker owns the live set of observer connections for the process
// lifetime. Publish delivers to every observer subscribed at the moment of
// the call and never blocks the mutation path on a slow observer.
type Broker struct {
	mu   sync.Mutex
	subs map[chan domain.ChangeEvent]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[chan domain.ChangeEvent]struct{})}
}

// Subscribe registers a new observer and returns its event channel.
func (b *Broker) Subscribe() chan domain.ChangeEvent {
	ch := make(chan domain.ChangeEvent, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes an observer and closes its channel. Calling it twice
// for the same channel is a no-op.
func (b *Broker) Unsubscribe(ch chan domain.ChangeEvent) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish fans the event out to all current subscribers. Delivery per
// observer is non-blocking; a full buffer drops the event for that observer
// only.
func (b *Broker) Publish(_ context.Context, ev domain.ChangeEvent) {
	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	b.mu.Unlock()
}

// Len reports the current subscriber count.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
