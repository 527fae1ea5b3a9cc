package tasks

import (
	"sync"

	"github.com/probe-rs/hive-software/hive/comm"
)

// subscriberBuffer bounds a single subscriber's backlog. A subscriber that
// falls further behind loses the newest frames; delivered frames always
// preserve send order.
const subscriberBuffer = 256

// broadcaster fans task progress frames out to subscribers. Late
// subscribers receive frames from the point of subscription; there is no
// replay.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan comm.Message
	next   int
	closed bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan comm.Message)}
}

// Subscribe attaches a new subscriber. The returned cancel func detaches it;
// the channel is closed on detach and on task completion.
func (b *broadcaster) Subscribe() (<-chan comm.Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan comm.Message, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.next
	b.next++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Publish delivers a frame to every subscriber without blocking the
// publisher.
func (b *broadcaster) Publish(m comm.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		select {
		case sub <- m:
		default:
			// Slow subscriber; frame dropped for it.
		}
	}
}

// Close detaches every subscriber. Further publishes are no-ops.
func (b *broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub)
	}
}
