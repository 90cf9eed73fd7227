package conversation

import (
	"sync"

	"github.com/PabloGalante/threadchat/internal/domain"
	"github.com/PabloGalante/threadchat/internal/observability"
)

type EventType string

const (
	EventTyping   EventType = "typing"
	EventMessage  EventType = "message"
	EventFragment EventType = "fragment"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// Event is published for every observable change of an exchange.
type Event struct {
	Type      EventType        `json:"type"`
	ThreadID  domain.ThreadID  `json:"thread_id"`
	MessageID domain.MessageID `json:"message_id,omitempty"`

	Typing bool `json:"typing"`

	// Fragment events carry the new delta and the accumulated text.
	Delta string `json:"delta,omitempty"`
	Text  string `json:"text,omitempty"`

	Message *domain.Message `json:"message,omitempty"`

	ErrorKind    domain.ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
}

const subscriberBuffer = 64

// Broker fans events out to per-thread subscribers. Publishing never blocks:
// a subscriber that falls behind loses events.
type Broker struct {
	mu   sync.Mutex
	subs map[domain.ThreadID]map[chan Event]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[domain.ThreadID]map[chan Event]struct{})}
}

// Subscribe returns a channel of the thread's events and a function that
// ends the subscription and closes the channel.
func (b *Broker) Subscribe(id domain.ThreadID) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if b.subs[id] == nil {
		b.subs[id] = make(map[chan Event]struct{})
	}
	b.subs[id][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[id], ch)
			if len(b.subs[id]) == 0 {
				delete(b.subs, id)
			}
			close(ch)
		})
	}
}

func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs[ev.ThreadID] {
		select {
		case ch <- ev:
		default:
			observability.WithFields("thread_id", ev.ThreadID, "event", ev.Type).
				Warn("dropping event for slow subscriber")
		}
	}
}
