package dispatch

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rplacetk/canvasd/internal/protocol"
)

// EventType identifies what happened.
type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventAdmissionDenied
	EventChat
	EventPixel
	EventRejected
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventAdmissionDenied:
		return "admission_denied"
	case EventChat:
		return "chat"
	case EventPixel:
		return "pixel"
	case EventRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Event is published after the dispatcher has finished handling something.
// Fields that do not apply to Type are zero.
type Event struct {
	Type     EventType
	Time     time.Time
	ClientID string
	Identity string
	Index    uint32
	Color    byte
	Chat     protocol.ChatMessage
}

// bus fans events out to subscribers without ever blocking the publisher.
type bus struct {
	mu      sync.RWMutex
	next    int
	subs    map[int]chan Event
	dropped atomic.Int64
}

func newBus() *bus {
	return &bus{subs: make(map[int]chan Event)}
}

func (b *bus) subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, max(buffer, 1))

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *bus) publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}
