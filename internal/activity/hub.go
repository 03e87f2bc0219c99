// Package activity is an in-memory feed of what the service just did:
// received events, automation results and finished jobs. It backs the ops
// API's live stream and keeps a small ring buffer for late subscribers.
package activity

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Entry types.
const (
	TypeEventReceived = "event.received"
	TypeAutomation    = "automation.result"
	TypeJobFinished   = "job.finished"
)

const defaultCapacity = 256

// Entry is one published item. Data is a single-line JSON object.
type Entry struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Hub fans entries out to subscribers. Publish on a nil *Hub is a no-op.
type Hub struct {
	nextID atomic.Int64
	now    func() time.Time

	mu    sync.Mutex
	ring  []Entry
	start int
	size  int

	subs      map[int]chan Entry
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Hub{
		now:  time.Now,
		ring: make([]Entry, capacity),
		subs: make(map[int]chan Entry),
	}
}

// Publish records an entry and offers it to every subscriber. Subscribers
// that are not keeping up miss it.
func (h *Hub) Publish(entryType string, data any) {
	if h == nil {
		return
	}
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	e := Entry{
		ID:   h.nextID.Add(1),
		Type: entryType,
		At:   h.now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.pushLocked(e)
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel of new entries and a cancel func that closes it.
func (h *Hub) Subscribe() (<-chan Entry, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Entry, 64)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Since returns buffered entries with ID > lastID, oldest first.
func (h *Hub) Since(lastID int64) []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Entry, 0, h.size)
	for i := 0; i < h.size; i++ {
		e := h.ring[(h.start+i)%len(h.ring)]
		if e.ID > lastID {
			out = append(out, e)
		}
	}
	return out
}

func (h *Hub) pushLocked(e Entry) {
	if h.size < len(h.ring) {
		h.ring[(h.start+h.size)%len(h.ring)] = e
		h.size++
		return
	}
	h.ring[h.start] = e
	h.start = (h.start + 1) % len(h.ring)
}
