// Package realtime propagates committed match changes: an in-process hub,
// a Redis relay between API instances, the broker notifier fan-out and the
// poll-diff event stream.
package realtime

import (
	"context"
	"sync"

	"github.com/park285/warchess-server/internal/lifecycle"
)

// Hub wakes local stream loops when a match changes.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan string]struct{}
}

func NewHub() *Hub { return &Hub{subs: make(map[string]map[chan string]struct{})} }

// Subscribe returns a channel receiving event names for matchID and a
// function that unsubscribes it. Slow receivers miss intermediate events.
func (h *Hub) Subscribe(matchID string) (<-chan string, func()) {
	ch := make(chan string, 1)
	h.mu.Lock()
	set, ok := h.subs[matchID]
	if !ok {
		set = make(map[chan string]struct{})
		h.subs[matchID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[matchID], ch)
			if len(h.subs[matchID]) == 0 {
				delete(h.subs, matchID)
			}
			h.mu.Unlock()
		})
	}
}

// Publish signals every subscriber of matchID without blocking.
func (h *Hub) Publish(matchID, event string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for ch := range h.subs[matchID] {
		select {
		case ch <- event:
			n++
		default:
		}
	}
	return n
}

func (h *Hub) Notify(_ context.Context, matchID, event string) { h.Publish(matchID, event) }

// Fanout forwards notifications to several notifiers in order.
type Fanout []lifecycle.Notifier

func (f Fanout) Notify(ctx context.Context, matchID, event string) {
	for _, n := range f {
		if n != nil {
			n.Notify(ctx, matchID, event)
		}
	}
}
