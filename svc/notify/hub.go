package notify

import (
	"clipbin/metrics"
	"clipbin/svc/util"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

type EventType string

const (
	EventRevoked EventType = "revoked"
	EventExpired EventType = "expired"
)

// Event is the single terminal notification a subscriber can receive for a
// clip id.
type Event struct {
	Type      EventType `json:"event"`
	ClipID    string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscription is one observer's handle. At most one Event is ever delivered
// on C, after which C is closed. C is also closed (without an event) on
// Cancel, on hub shutdown, or immediately if the id was already terminal at
// subscribe time.
type Subscription struct {
	C <-chan Event

	hub    *Hub
	id     string
	ch     chan Event
	closed bool
}

// Cancel removes the subscription. Safe to call more than once and safe to
// call concurrently with a publish for the same id.
func (s *Subscription) Cancel() {
	if s.hub == nil {
		return
	}
	s.hub.cancel(s)
}

// Hub is a per-clip-id publish/subscribe registry. Each id gets exactly one
// terminal event (revoked or expired); after it fires, the id's subscriber
// list is dropped and later publishes for the same id are no-ops. The
// already-fired set is a bounded LRU: ids are never reused, so an eviction
// only weakens duplicate suppression for ids long past anyone's interest.
type Hub struct {
	mu   sync.Mutex
	subs map[string][]*Subscription
	done *lru.Cache[string, struct{}]
	now  func() time.Time
}

func NewHub(doneCap int) (*Hub, error) {
	if doneCap <= 0 {
		return nil, errors.New("done cap must be positive")
	}
	done, err := lru.New[string, struct{}](doneCap)
	if err != nil {
		return nil, err
	}
	return &Hub{
		subs: make(map[string][]*Subscription),
		done: done,
		now:  time.Now,
	}, nil
}

// Subscribe registers interest in a clip id. Subscribing to an unknown id is
// legal; if the id's terminal event already fired, the returned channel is
// already closed.
func (h *Hub) Subscribe(id string) *Subscription {
	ch := make(chan Event, 1)
	s := &Subscription{C: ch, hub: h, id: id, ch: ch}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, fired := h.done.Get(id); fired {
		s.closed = true
		close(ch)
		return s
	}
	h.subs[id] = append(h.subs[id], s)
	return s
}

// publish fires the terminal event for id. Returns false if a terminal event
// for that id already fired. Delivery is best-effort: each subscriber channel
// gets a non-blocking send, then is closed.
func (h *Hub) publish(id string, typ EventType) bool {
	h.mu.Lock()
	if _, fired := h.done.Get(id); fired {
		h.mu.Unlock()
		return false
	}
	h.done.Add(id, struct{}{})
	targets := h.subs[id]
	delete(h.subs, id)
	ev := Event{Type: typ, ClipID: id, Timestamp: h.now()}
	delivered := 0
	for _, s := range targets {
		if s.closed {
			continue
		}
		select {
		case s.ch <- ev:
			delivered++
		default:
		}
		s.closed = true
		close(s.ch)
	}
	h.mu.Unlock()
	if delivered > 0 {
		metrics.NotifyDelivered.WithLabelValues(string(typ)).Add(float64(delivered))
	}
	util.Debug().
		Str("clip_id", id).
		Str("event", string(typ)).
		Int("delivered", delivered).
		Msg("terminal event published")
	return true
}

// ClipRevoked publishes the "revoked" terminal event for id.
func (h *Hub) ClipRevoked(id string) { h.publish(id, EventRevoked) }

// ClipExpired publishes the "expired" terminal event for id.
func (h *Hub) ClipExpired(id string) { h.publish(id, EventExpired) }

// Subscribers returns the number of observers currently waiting on id.
func (h *Hub) Subscribers(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[id])
}

// Shutdown closes every outstanding subscription without delivering events.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, targets := range h.subs {
		for _, s := range targets {
			if !s.closed {
				s.closed = true
				close(s.ch)
			}
		}
		delete(h.subs, id)
	}
}

func (h *Hub) cancel(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	targets := h.subs[s.id]
	for i, cur := range targets {
		if cur == s {
			h.subs[s.id] = append(targets[:i], targets[i+1:]...)
			break
		}
	}
	if len(h.subs[s.id]) == 0 {
		delete(h.subs, s.id)
	}
	s.closed = true
	close(s.ch)
}
