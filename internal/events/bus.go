// Package events is a publish/subscribe registry for signaling envelopes,
// keyed by message type.
package events

import (
	"sync"

	"github.com/mossy-p/webrtc-meet/internal/models"
)

// Handler receives one envelope.
type Handler func(models.Envelope)

// Bus delivers each published envelope to the handlers subscribed to its type,
// in subscription order. Handlers run on the publishing goroutine.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[models.SignalType][]*Subscription
}

func NewBus() *Bus {
	return &Bus{subs: make(map[models.SignalType][]*Subscription)}
}

// Subscription is a disposable handle returned by Subscribe.
type Subscription struct {
	bus     *Bus
	id      uint64
	typ     models.SignalType
	handler Handler
	once    sync.Once
}

// Subscribe registers h for envelopes of type t.
func (b *Bus) Subscribe(t models.SignalType, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{bus: b, id: b.nextID, typ: t, handler: h}
	b.subs[t] = append(b.subs[t], sub)
	return sub
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		defer b.mu.Unlock()

		list := b.subs[s.typ]
		for i, sub := range list {
			if sub.id == s.id {
				// copy so an in-flight Publish keeps iterating its own snapshot
				next := make([]*Subscription, 0, len(list)-1)
				next = append(next, list[:i]...)
				next = append(next, list[i+1:]...)
				b.subs[s.typ] = next
				break
			}
		}
		if len(b.subs[s.typ]) == 0 {
			delete(b.subs, s.typ)
		}
	})
}

// Publish delivers env to every current subscriber of env.Type and returns
// the number of handlers invoked.
func (b *Bus) Publish(env models.Envelope) int {
	b.mu.RLock()
	list := b.subs[env.Type]
	b.mu.RUnlock()

	for _, sub := range list {
		sub.handler(env)
	}
	return len(list)
}

// Len reports the number of subscribers for t.
func (b *Bus) Len(t models.SignalType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[t])
}
