package pty

import "sync"

// SubscriberBuffer is the per-subscriber event channel depth. A subscriber
// that falls further behind than this loses live events (the scrollback
// still captures every byte).
const SubscriberBuffer = 256

// Subscription is one subscriber's view of a session's event stream.
type Subscription struct {
	// C delivers events in emission order. The first event is always
	// EventScrollback.
	C <-chan Event

	id uint64
	b  *Broadcaster
}

// Cancel removes the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.b.cancel(s.id)
}

// Broadcaster owns a session's scrollback ring and its subscriber set.
//
// The ring append and the live fan-out happen under one lock, and Subscribe
// takes the same lock while seeding the scrollback snapshot. That gives the
// ordering invariant: a new subscriber's Scrollback event contains exactly
// the bytes emitted before the first live Output it will observe, with no
// gaps and no duplicates.
type Broadcaster struct {
	ring   *ByteRing
	subs   map[uint64]chan Event
	nextID uint64
	closed bool
	mu     sync.Mutex
}

// NewBroadcaster creates a broadcaster with the given scrollback capacity.
func NewBroadcaster(scrollbackBytes int) *Broadcaster {
	return &Broadcaster{
		ring: NewByteRing(scrollbackBytes),
		subs: make(map[uint64]chan Event),
	}
}

// PublishOutput appends data to the scrollback and fans it out as an
// Output event. Subscribers with a full channel miss the live event; the
// bytes remain available through the scrollback.
func (b *Broadcaster) PublishOutput(data []byte) {
	if len(data) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.ring.Push(data)
	b.fanOut(Event{Type: EventOutput, Data: data})
}

// Publish fans out a non-output event to all subscribers.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fanOut(ev)
}

// fanOut delivers ev to every subscriber without blocking.
// Callers must hold b.mu.
func (b *Broadcaster) fanOut(ev Event) {
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			if ev.Type == EventProcessExited {
				// Exit must reach every subscriber or their pump
				// loops never terminate. Evict the oldest queued
				// event to make room.
				select {
				case <-ch:
				default:
				}
				select {
				case ch <- ev:
				default:
				}
			}
			// Otherwise: subscriber lagging; live event dropped
			// for it. The scrollback still has the bytes.
		}
	}
}

// Subscribe registers a new subscriber. The subscriber's first event is a
// Scrollback snapshot taken atomically with registration, so no Output byte
// is either duplicated in or missing from the snapshot.
func (b *Broadcaster) Subscribe(kitty bool) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, SubscriberBuffer)
	ch <- Event{Type: EventScrollback, Data: b.ring.Snapshot(), Kitty: kitty}

	id := b.nextID
	b.nextID++
	if !b.closed {
		b.subs[id] = ch
	} else {
		// Session already ended; the subscriber still gets the
		// scrollback followed by an exit marker.
		ch <- Event{Type: EventProcessExited}
	}

	return &Subscription{C: ch, id: id, b: b}
}

// Close marks the broadcaster finished. Existing subscribers keep their
// queued events; new subscribers get the scrollback plus ProcessExited.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// Scrollback returns the current scrollback snapshot.
func (b *Broadcaster) Scrollback() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring.Snapshot()
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster) cancel(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		// No sender can touch ch once it leaves the map; closing it
		// lets pump loops ranging over the channel terminate.
		close(ch)
	}
}
