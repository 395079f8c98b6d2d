// Package stream implements the streaming session core: live-update
// fan-out, incremental persistence of in-flight generations, and the
// resume protocol for interrupted ones.
package stream

import (
	"log/slog"
	"sync"

	"rechat/pkg/domain"
)

const defaultSubscriberBuffer = 16

// Bus delivers typed events to every open connection of a user. It is an
// injected service, process-wide for the server lifetime; user entries
// are created lazily on first subscribe and removed when the last
// subscriber goes away. Delivery is at-least-once and drop-safe: a
// subscriber that stops draining is pruned at publish time rather than
// blocking the publisher.
type Bus struct {
	logger *slog.Logger
	buffer int

	mu    sync.RWMutex
	users map[string]*userEntry
}

type userEntry struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

// Subscriber is one live output channel for one user session.
type Subscriber struct {
	ch   chan domain.Event
	once sync.Once
}

// Events returns the subscriber's delivery channel. It is closed when
// the subscriber is unsubscribed or pruned.
func (s *Subscriber) Events() <-chan domain.Event {
	return s.ch
}

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// NewBus creates an empty event bus. buffer sizes each subscriber
// channel; zero uses the default.
func NewBus(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Bus{
		logger: logger.With("component", "bus"),
		buffer: buffer,
		users:  make(map[string]*userEntry),
	}
}

// Subscribe registers a new output channel for the user. The connected
// event is pre-delivered so clients can distinguish "subscribed, no
// events yet" from "never connected".
func (b *Bus) Subscribe(userID string) *Subscriber {
	sub := &Subscriber{ch: make(chan domain.Event, b.buffer)}
	sub.ch <- domain.Event{Type: domain.EventConnected}

	for {
		b.mu.Lock()
		entry, ok := b.users[userID]
		if !ok {
			entry = &userEntry{subs: make(map[*Subscriber]struct{})}
			b.users[userID] = entry
		}
		b.mu.Unlock()

		entry.mu.Lock()
		entry.subs[sub] = struct{}{}
		entry.mu.Unlock()

		// A concurrent publish can prune the user's last channel and
		// remove the entry between the fetch above and the insert. The
		// insert then landed on an orphaned entry no publish will ever
		// see again, so verify the entry is still the registered one
		// and retry when it is not.
		b.mu.RLock()
		current := b.users[userID]
		b.mu.RUnlock()
		if current == entry {
			return sub
		}
		entry.mu.Lock()
		delete(entry.subs, sub)
		entry.mu.Unlock()
	}
}

// Unsubscribe removes the channel; the last channel for a user removes
// the user's entry entirely.
func (b *Bus) Unsubscribe(userID string, sub *Subscriber) {
	b.mu.RLock()
	entry, ok := b.users[userID]
	b.mu.RUnlock()
	if !ok {
		sub.close()
		return
	}

	entry.mu.Lock()
	delete(entry.subs, sub)
	empty := len(entry.subs) == 0
	entry.mu.Unlock()
	sub.close()

	if empty {
		b.removeIfEmpty(userID, entry)
	}
}

// Publish delivers the event to every open channel for the user. A
// subscriber whose buffer is full has stopped draining (client gone or
// wedged) and is dropped as a side effect.
func (b *Bus) Publish(userID string, ev domain.Event) {
	b.mu.RLock()
	entry, ok := b.users[userID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	for sub := range entry.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(entry.subs, sub)
			sub.close()
			b.logger.Debug("pruned dead subscriber", "userId", userID)
		}
	}
	empty := len(entry.subs) == 0
	entry.mu.Unlock()

	if empty {
		b.removeIfEmpty(userID, entry)
	}
}

// SubscriberCount reports open channels for the user.
func (b *Bus) SubscriberCount(userID string) int {
	b.mu.RLock()
	entry, ok := b.users[userID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return len(entry.subs)
}

func (b *Bus) removeIfEmpty(userID string, entry *userEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	current, ok := b.users[userID]
	if !ok || current != entry {
		return
	}
	entry.mu.Lock()
	empty := len(entry.subs) == 0
	entry.mu.Unlock()
	if empty {
		delete(b.users, userID)
	}
}
