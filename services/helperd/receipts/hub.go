package receipts

import (
	"sync"
)

const subscriberBuffer = 64

// Hub fans out newly written receipts to live subscribers. Slow subscribers
// drop receipts rather than blocking publishers.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Receipt]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan Receipt]struct{})}
}

// Subscribe registers a subscriber. The returned cancel func must be called
// to release it and closes the channel.
func (h *Hub) Subscribe() (<-chan Receipt, func()) {
	ch := make(chan Receipt, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers receipt to every subscriber with room in its buffer and
// returns the number of subscribers that missed it.
func (h *Hub) Publish(receipt Receipt) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	dropped := 0
	for ch := range h.subs {
		select {
		case ch <- receipt:
		default:
			dropped++
		}
	}
	return dropped
}

// Subscribers returns the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
