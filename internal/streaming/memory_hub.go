package streaming

import (
	"context"
	"sync"
	"sync/atomic"
)

// subscriberBuffer is the per-subscriber backlog before events are dropped.
const subscriberBuffer = 64

type subscription struct {
	ch     chan NodeEvent
	filter EventFilter
}

// MemoryHub fans node events out to in-process subscribers. Publishing never
// blocks on a slow subscriber; its events are dropped and counted instead.
type MemoryHub struct {
	mu      sync.RWMutex
	lastID  uint64
	subs    map[uint64]subscription
	dropped atomic.Uint64
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[uint64]subscription)}
}

func (h *MemoryHub) Publish(ctx context.Context, event NodeEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan NodeEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	ch := make(chan NodeEvent, subscriberBuffer)

	h.mu.Lock()
	h.lastID++
	id := h.lastID
	h.subs[id] = subscription{ch: ch, filter: filter}
	h.mu.Unlock()

	var once sync.Once
	end := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			// No publisher can hold the subscription once it left the map.
			close(ch)
		})
	}
	stop := context.AfterFunc(ctx, end)
	return ch, func() { stop(); end() }, nil
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (h *MemoryHub) Dropped() uint64 { return h.dropped.Load() }

// Subscribers returns the number of live subscriptions.
func (h *MemoryHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

var _ EventHub = (*MemoryHub)(nil)
