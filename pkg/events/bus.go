package events

import (
	"sync"
	"sync/atomic"
)

// Bus is an in-process pub/sub fan-out. Delivery is non-blocking: a
// subscriber whose buffer is full misses the event, and the drop counter
// advances. Slow consumers never stall the read loop.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Type][]chan *Event
	allSubs     []chan *Event
	bufferSize  int
	closed      bool
	dropped     atomic.Uint64
}

// NewBus creates a bus whose subscriber channels buffer bufferSize events.
// A non-positive size falls back to 100.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[Type][]chan *Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe returns a channel receiving events of the given types, or all
// events when none are named. The channel is closed by Unsubscribe or Close.
func (b *Bus) Subscribe(types ...Type) <-chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if b.closed {
		close(ch)
		return ch
	}

	if len(types) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, t := range types {
			b.subscribers[t] = append(b.subscribers[t], ch)
		}
	}
	return ch
}

// Unsubscribe detaches and closes a channel returned by Subscribe. A
// subscription spanning several types is scrubbed from all of them and
// closed once.
func (b *Bus) Unsubscribe(ch <-chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var removed chan *Event
	for t, subs := range b.subscribers {
		filtered := subs[:0]
		for _, s := range subs {
			if s == ch {
				removed = s
			} else {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[t] = filtered
	}
	filtered := b.allSubs[:0]
	for _, s := range b.allSubs {
		if s == ch {
			removed = s
		} else {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered

	if removed != nil {
		close(removed)
	}
}

// Publish fans the event out to matching subscribers without blocking.
func (b *Bus) Publish(e *Event) {
	if e == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, ch := range b.subscribers[e.Type] {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped reports how many deliveries were skipped because a subscriber
// buffer was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[chan *Event]struct{})
	for _, subs := range b.subscribers {
		for _, s := range subs {
			seen[s] = struct{}{}
		}
	}
	for _, s := range b.allSubs {
		seen[s] = struct{}{}
	}
	return len(seen)
}

// Close closes every subscriber channel and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	seen := make(map[chan *Event]struct{})
	for _, subs := range b.subscribers {
		for _, s := range subs {
			seen[s] = struct{}{}
		}
	}
	for _, s := range b.allSubs {
		seen[s] = struct{}{}
	}
	for s := range seen {
		close(s)
	}
	b.subscribers = make(map[Type][]chan *Event)
	b.allSubs = nil
}
