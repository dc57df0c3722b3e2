package torrent

import (
	"sync"
)

// Event is delivered to registered listeners on every state
// transition and every piece completion
type Event interface{}

// StateChange reports a torrent state transition. Err is set
// when To is StateError.
type StateChange struct {
	From State
	To   State
	Err  error
}

// PieceCompleted reports a piece that was received and
// hash-verified
type PieceCompleted struct {
	Index int
}

// MetadataResolved reports that magnet metadata resolution
// finished and the torrent's info dictionary is available
type MetadataResolved struct{}

// listenerHub fans events out to subscribers. Each listener
// gets a buffered channel; a listener that falls behind
// loses events rather than stalling the torrent.
type listenerHub struct {
	mu        sync.Mutex
	listeners map[int]chan Event
	nextID    int
}

func newListenerHub() *listenerHub {
	return &listenerHub{listeners: make(map[int]chan Event)}
}

func (h *listenerHub) subscribe() (int, <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	ch := make(chan Event, 64)
	h.listeners[h.nextID] = ch

	return h.nextID, ch
}

func (h *listenerHub) unsubscribe(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.listeners[id]; ok {
		delete(h.listeners, id)
		close(ch)
	}
}

func (h *listenerHub) emit(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.listeners {
		select {
		case ch <- e:
		default:
		}
	}
}

func (h *listenerHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.listeners {
		delete(h.listeners, id)
		close(ch)
	}
}
