package transfer

import (
	"sync"
	"sync/atomic"

	"github.com/luddite-os/installer/internal/logging"
)

// Bus fans completions out to every subscriber, like a system-wide
// broadcast. Subscribers filter by ID themselves.
type Bus struct {
	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	dropped atomic.Int64
}

// NewBus creates a bus with no subscribers.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscription receives completions until Close.
type Subscription struct {
	bus  *Bus
	c    chan Completion
	once sync.Once
}

// Subscribe registers a subscriber with the given channel buffer.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	s := &Subscription{bus: b, c: make(chan Completion, buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Publish delivers c to every subscriber without blocking. A subscriber
// whose buffer is full misses the completion.
func (b *Bus) Publish(c Completion) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		select {
		case s.c <- c:
		default:
			b.dropped.Add(1)
			log.Warn("completion dropped for slow subscriber", logging.KeyTransferID, c.ID)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// C returns the delivery channel. It is closed by Close.
func (s *Subscription) C() <-chan Completion {
	return s.c
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		close(s.c)
		s.bus.mu.Unlock()
	})
}
