package mediabus

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// broadcastBus is the shared implementation behind the Packet Bus and Frame
// Bus: a fixed-capacity ring of sequenced items with independent
// per-subscriber read cursors. The publisher never blocks on a slow
// subscriber — it simply overwrites the oldest slot, and a subscriber that
// reads past the overwritten range observes a LaggedError instead of the
// missed items.
//
// Grounded on the teacher's internal/relay/cyclic_buffer.go (sequence
// cursor, per-client resync-on-lag) generalized with a type parameter so
// Packet Bus and Frame Bus share one implementation.
type broadcastBus[T any] struct {
	mu       sync.Mutex
	ring     []busItem[T]
	capacity int
	nextSeq  uint64
	closed   bool
	closeErr error

	subsMu sync.RWMutex
	subs   map[uuid.UUID]*busSubscriber
}

type busItem[T any] struct {
	seq      uint64
	val      T
	keyframe bool
}

// busSubscriber holds one consumer's read cursor and wake channel.
type busSubscriber struct {
	lastSeq uint64 // sequence number the next Recv reads
	started bool   // set true by Subscribe
	notify  chan struct{}
}

func newBroadcastBus[T any](capacity int) *broadcastBus[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &broadcastBus[T]{
		ring:     make([]busItem[T], capacity),
		capacity: capacity,
		subs:     make(map[uuid.UUID]*busSubscriber),
	}
}

// Publish appends val as the next sequenced item. keyframe marks a
// self-decodable boundary, used by video packet subscribers to resync
// after a lag.
func (b *broadcastBus[T]) Publish(val T, keyframe bool) {
	b.mu.Lock()
	seq := b.nextSeq
	b.nextSeq++
	b.ring[seq%uint64(b.capacity)] = busItem[T]{seq: seq, val: val, keyframe: keyframe}
	closed := b.closed
	b.mu.Unlock()

	if closed {
		return
	}
	b.wakeAll()
}

// Close marks the bus closed; EOS is observed by subscribers once their
// residual buffer is drained. cause is nil on a clean end-of-stream.
func (b *broadcastBus[T]) Close(cause error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.closeErr = cause
	b.mu.Unlock()
	b.wakeAll()
}

func (b *broadcastBus[T]) wakeAll() {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
}

// Subscribe registers a new consumer starting at the current tail: it
// receives only items published after this call, avoiding a startup race
// where it misses earlier packets but also never replays stale ones.
func (b *broadcastBus[T]) Subscribe() Subscription {
	sub := newSubscription()
	b.mu.Lock()
	startSeq := b.nextSeq
	b.mu.Unlock()

	b.subsMu.Lock()
	b.subs[sub.id] = &busSubscriber{
		lastSeq: startSeq, // first Recv will read startSeq (not startSeq-1+1 underflow-safe)
		started: true,
		notify:  make(chan struct{}, 1),
	}
	b.subsMu.Unlock()
	return sub
}

// Unsubscribe drops a subscription. Wait-free and non-blocking for the
// publisher: it only removes a map entry under a mutex the publisher holds
// only to enqueue a notification, never while copying data.
func (b *broadcastBus[T]) Unsubscribe(sub Subscription) {
	b.subsMu.Lock()
	delete(b.subs, sub.id)
	b.subsMu.Unlock()
}

// Recv blocks until an item is available for sub, the bus lags sub past its
// ring capacity, the bus closes, or ctx is done.
func (b *broadcastBus[T]) Recv(ctx context.Context, sub Subscription) (T, bool, error) {
	var zero T
	for {
		b.subsMu.RLock()
		s, ok := b.subs[sub.id]
		b.subsMu.RUnlock()
		if !ok {
			return zero, false, ErrBufferClosed
		}

		b.mu.Lock()
		next := s.lastSeq
		if !s.started {
			next = 0
		}
		tail := b.nextSeq
		oldest := uint64(0)
		if tail > uint64(b.capacity) {
			oldest = tail - uint64(b.capacity)
		}
		closed := b.closed

		switch {
		case next < oldest:
			// Lagged: skip forward to the oldest item still resident.
			s.lastSeq = oldest
			b.mu.Unlock()
			return zero, false, &LaggedError{N: oldest - next}
		case next < tail:
			item := b.ring[next%uint64(b.capacity)]
			s.lastSeq = next + 1
			b.mu.Unlock()
			return item.val, item.keyframe, nil
		case closed:
			b.mu.Unlock()
			return zero, false, ErrBufferClosed
		default:
			b.mu.Unlock()
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return zero, false, ctx.Err()
		}
	}
}

// SkipToNextKeyframe advances sub's cursor past any buffered non-keyframe
// items, used after a Lagged event on a video packet bus so the next
// delivered item is self-decodable.
func (b *broadcastBus[T]) SkipToNextKeyframe(ctx context.Context, sub Subscription) (T, error) {
	for {
		val, kf, err := b.Recv(ctx, sub)
		if err != nil {
			var zero T
			return zero, err
		}
		if kf {
			return val, nil
		}
	}
}

// SubscriberCount reports the number of active subscribers, used by the
// Decoder Task refcount (spec.md §4.4/§9).
func (b *broadcastBus[T]) SubscriberCount() int {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	return len(b.subs)
}
