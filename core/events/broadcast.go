package events

import "sync"

const defaultSubscriberBuffer = 64

type subscriber struct {
	ch     chan Event
	filter func(Event) bool
}

// Broadcaster fans every emitted event out to a fixed set of sinks and to any
// number of live subscribers. Sinks are invoked synchronously in registration
// order; subscribers receive events on buffered channels and miss events when
// their buffer is full rather than blocking the emitter.
type Broadcaster struct {
	sinks []Emitter

	mu      sync.RWMutex
	nextID  uint64
	subs    map[uint64]*subscriber
	dropped uint64
}

// NewBroadcaster constructs a broadcaster forwarding to the supplied sinks. Nil
// sinks are ignored.
func NewBroadcaster(sinks ...Emitter) *Broadcaster {
	b := &Broadcaster{subs: make(map[uint64]*subscriber)}
	for _, sink := range sinks {
		if sink != nil {
			b.sinks = append(b.sinks, sink)
		}
	}
	return b
}

// Emit implements the Emitter interface.
func (b *Broadcaster) Emit(evt Event) {
	if b == nil || evt == nil {
		return
	}
	for _, sink := range b.sinks {
		sink.Emit(evt)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			b.dropped++
		}
	}
}

// Subscribe registers a live subscriber. The returned cancel function closes
// the channel and must be called once the subscriber is done.
func (b *Broadcaster) Subscribe(buffer int, filter func(Event) bool) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	sub := &subscriber{ch: make(chan Event, buffer), filter: filter}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Subscribers reports the number of live subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped reports how many subscriber deliveries were skipped because a
// subscriber buffer was full.
func (b *Broadcaster) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
