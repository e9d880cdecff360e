package master

import (
	"sync"
	"time"
)

// State is the connection state of a Master.
type State uint8

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// StateEvent reports a connection state transition. Err is the fault that
// caused a drop to Disconnected, nil for explicit transitions.
type StateEvent struct {
	State State
	Err   error
	At    time.Time
}

// hub fans events out to buffered subscriber channels without blocking the
// sender; a full subscriber misses the event.
type hub[E any] struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan E
	closed bool
}

func (h *hub[E]) subscribe(buffer int) (<-chan E, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan E, buffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	if h.subs == nil {
		h.subs = make(map[int]chan E)
	}
	id := h.next
	h.next++
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

func (h *hub[E]) publish(e E) (dropped int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
			dropped++
		}
	}
	return dropped
}

func (h *hub[E]) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
	h.closed = true
}
