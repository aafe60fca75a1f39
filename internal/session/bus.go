package session

import "sync"

// Signal is a cross-component session notification. Signals carry no payload:
// a logged-in consumer re-reads the credential store, a logged-out consumer
// clears its state.
type Signal int

const (
	SignalLoggedIn Signal = iota
	SignalLoggedOut
)

func (s Signal) String() string {
	switch s {
	case SignalLoggedIn:
		return "logged_in"
	case SignalLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// Bus is a small in-process publish/subscribe channel for session signals.
// It replaces ambient global events with an owned, tear-downable subscription
// list. Publish never blocks: a subscriber that falls behind loses signals,
// which is acceptable because signals are re-read triggers, not data.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Signal
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Signal)}
}

// Subscribe registers a new subscriber and returns its channel together with
// a cancel function. Cancel is idempotent and closes the channel.
func (b *Bus) Subscribe() (<-chan Signal, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Signal, 16)
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers sig to every current subscriber without blocking.
func (b *Bus) Publish(sig Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- sig:
		default:
		}
	}
}
