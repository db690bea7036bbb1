package realtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/storefront/backend/internal/inquiries"
)

// Event announces that a message was committed to an inquiry. It is a wake-up signal;
// consumers re-read the database rather than trusting Message.
type Event struct {
	InquiryID  int64
	Message    inquiries.MessagePayload
	Timestamp  time.Time
	InstanceID string
}

// Filter selects the events a listener receives.
type Filter func(Event) bool

// Handler receives events on the publishing goroutine and must not block.
type Handler func(Event)

// ForInquiry matches events for a single inquiry.
func ForInquiry(inquiryID int64) Filter {
	return func(event Event) bool {
		return event.InquiryID == inquiryID
	}
}

type listener struct {
	filter    Filter
	handler   Handler
	cancelled atomic.Bool
}

// Bus is the in-process fan-out between the notification channel and its consumers.
type Bus struct {
	mu        sync.RWMutex
	listeners map[uint64]*listener
	nextID    uint64
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	bus  *Bus
	id   uint64
	once sync.Once
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{
		listeners: make(map[uint64]*listener),
	}
}

// Subscribe registers handler for events accepted by filter. A nil filter accepts all.
func (b *Bus) Subscribe(filter Filter, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.listeners[b.nextID] = &listener{filter: filter, handler: handler}
	return &Subscription{bus: b, id: b.nextID}
}

// Cancel removes the listener. Safe to call more than once and from inside a handler.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.bus.mu.Lock()
		if registered, ok := s.bus.listeners[s.id]; ok {
			registered.cancelled.Store(true)
			delete(s.bus.listeners, s.id)
		}
		s.bus.mu.Unlock()
	})
}

// Publish delivers event to every matching listener and returns how many received it.
// The listener set is snapshotted first so handlers may subscribe or cancel freely.
func (b *Bus) Publish(event Event) int {
	b.mu.RLock()
	snapshot := make([]*listener, 0, len(b.listeners))
	for _, registered := range b.listeners {
		snapshot = append(snapshot, registered)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, registered := range snapshot {
		if registered.cancelled.Load() {
			continue
		}
		if registered.filter != nil && !registered.filter(event) {
			continue
		}
		registered.handler(event)
		delivered++
	}
	return delivered
}

// ListenerCount returns the number of registered listeners.
func (b *Bus) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
