package api

import (
	"sync"
)

type StreamEvent struct {
	Type string
	Data map[string]any
}

type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan StreamEvent]struct{} // bookingId -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan StreamEvent]struct{}{}}
}

func (b *Broker) Subscribe(bookingID string) chan StreamEvent {
	ch := make(chan StreamEvent, 8)
	b.mu.Lock()
	if b.subs[bookingID] == nil {
		b.subs[bookingID] = map[chan StreamEvent]struct{}{}
	}
	b.subs[bookingID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(bookingID string, ch chan StreamEvent) {
	b.mu.Lock()
	if m := b.subs[bookingID]; m != nil {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.subs, bookingID)
		}
	}
	b.mu.Unlock()
	close(ch)
}

func (b *Broker) Publish(bookingID string, evt StreamEvent) {
	b.mu.Lock()
	m := b.subs[bookingID]
	for ch := range m {
		select {
		case ch <- evt:
		default:
		}
	}
	b.mu.Unlock()
}
