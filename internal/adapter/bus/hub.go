package bus

import (
	"sync"

	"github.com/arturoeanton/strategy-pipeline/internal/domain"
)

// subscriberBuffer bounds each subscriber channel and holds every write of
// a pipeline run. A full channel drops the event; subscribers still poll.
const subscriberBuffer = 64

// Hub fans phase events out to per-snapshot subscribers in process.
type Hub struct {
	mu   sync.RWMutex
	subs map[string][]chan domain.PhaseEvent
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string][]chan domain.PhaseEvent)}
}

// Publish delivers evt to every subscriber of its snapshot without blocking.
// A resync event with an empty snapshot id goes to every subscriber.
func (h *Hub) Publish(evt domain.PhaseEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if evt.SnapshotID == "" {
		for id, subs := range h.subs {
			e := evt
			e.SnapshotID = id
			fanOut(subs, e)
		}
		return
	}
	fanOut(h.subs[evt.SnapshotID], evt)
}

func fanOut(subs []chan domain.PhaseEvent, evt domain.PhaseEvent) {
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribe returns a channel receiving events for snapshotID and a func
// that removes and closes it.
func (h *Hub) Subscribe(snapshotID string) (<-chan domain.PhaseEvent, func()) {
	ch := make(chan domain.PhaseEvent, subscriberBuffer)

	h.mu.Lock()
	h.subs[snapshotID] = append(h.subs[snapshotID], ch)
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() { h.unsubscribe(snapshotID, ch) })
	}
}

func (h *Hub) unsubscribe(snapshotID string, ch chan domain.PhaseEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[snapshotID]
	for i, s := range subs {
		if s == ch {
			h.subs[snapshotID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(h.subs[snapshotID]) == 0 {
		delete(h.subs, snapshotID)
	}
	close(ch)
}

// Subscribers returns the number of live subscriptions across snapshots.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.subs {
		n += len(subs)
	}
	return n
}
