// Package checkpoint implements the Checkpoint Watcher & Demultiplexer
// (spec §4.4, Component D): a single upstream subscription to storage's
// checkpoint-change notifications fanned out to many per-connection
// subscribers, each with a bounded single-slot "last value wins" mailbox.
// Grounded on the same lazy-subscribe/fan-out shape as the teacher's SSE
// hub (internal/sse.Hub), generalized with true upstream lifecycle
// management instead of a topic map of raw channels.
package checkpoint

import (
	"context"
	"sync"

	"github.com/powersync/sync-service/internal/storage"
)

// FirstValueFunc synthesizes the value a brand-new subscriber sees before
// joining the live stream (spec §4.4: "each subscriber receives an
// initial value synthesized via getFirstValue(key)").
type FirstValueFunc func(ctx context.Context, key string) (storage.CheckpointUpdate, error)

// Upstream opens the single live subscription for a routing key.
type Upstream func(ctx context.Context, key string) (<-chan storage.CheckpointUpdate, error)

// Demultiplexer lazily maintains at most one upstream subscription per
// routing key, fanning updates out to that key's subscribers.
type Demultiplexer struct {
	upstream   Upstream
	firstValue FirstValueFunc

	mu      sync.Mutex
	streams map[string]*keyStream
}

type keyStream struct {
	cancel context.CancelFunc
	subs   map[*Subscription]struct{}
}

// Subscription is one per-connection view of a routing key's checkpoint
// stream: a bounded mailbox of capacity 1 where the producer overwrites
// and the consumer reads-and-clears (spec §9 "last value wins subscriber
// mailbox").
type Subscription struct {
	key string
	d   *Demultiplexer

	mu     sync.Mutex
	value  *storage.CheckpointUpdate
	closed bool
	notify chan struct{}
}

func New(upstream Upstream, firstValue FirstValueFunc) *Demultiplexer {
	return &Demultiplexer{
		upstream:   upstream,
		firstValue: firstValue,
		streams:    make(map[string]*keyStream),
	}
}

// Subscribe joins the stream for key, starting the upstream subscription
// if this is the first subscriber (spec §4.4 "lazy start"). The returned
// Subscription's first Next() call resolves via firstValue.
func (d *Demultiplexer) Subscribe(ctx context.Context, key string) (*Subscription, error) {
	d.mu.Lock()
	ks, ok := d.streams[key]
	if !ok {
		upCtx, cancel := context.WithCancel(context.Background())
		ks = &keyStream{cancel: cancel, subs: make(map[*Subscription]struct{})}
		d.streams[key] = ks
		ch, err := d.upstream(upCtx, key)
		if err != nil {
			cancel()
			delete(d.streams, key)
			d.mu.Unlock()
			return nil, err
		}
		go d.pump(key, ch)
	}
	sub := &Subscription{key: key, d: d, notify: make(chan struct{}, 1)}
	ks.subs[sub] = struct{}{}
	d.mu.Unlock()

	if d.firstValue != nil {
		first, err := d.firstValue(ctx, key)
		if err == nil {
			sub.deliver(first)
		}
	}
	return sub, nil
}

// pump reads the single upstream channel for key and fans updates out to
// every current subscriber; when the upstream channel closes, every
// subscriber is closed cleanly. The channel carries only updates, so no
// upstream error reaches the subscribers.
func (d *Demultiplexer) pump(key string, ch <-chan storage.CheckpointUpdate) {
	for update := range ch {
		d.mu.Lock()
		ks, ok := d.streams[key]
		var subs []*Subscription
		if ok {
			for s := range ks.subs {
				subs = append(subs, s)
			}
		}
		d.mu.Unlock()
		for _, s := range subs {
			s.deliver(update)
		}
	}
	d.mu.Lock()
	ks, ok := d.streams[key]
	var subs []*Subscription
	if ok {
		for s := range ks.subs {
			subs = append(subs, s)
		}
		delete(d.streams, key)
	}
	d.mu.Unlock()
	for _, s := range subs {
		s.closeSub()
	}
}

// unsubscribe removes sub from its routing key; if it was the last
// subscriber, the upstream subscription is torn down (spec §4.4 "tears
// down when the last leaves").
func (d *Demultiplexer) unsubscribe(sub *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ks, ok := d.streams[sub.key]
	if !ok {
		return
	}
	delete(ks.subs, sub)
	if len(ks.subs) == 0 {
		ks.cancel()
		delete(d.streams, sub.key)
	}
}

func (s *Subscription) deliver(update storage.CheckpointUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	v := update
	s.value = &v
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) closeSub() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.notify)
}

// Next blocks until a new value arrives, ctx is canceled, or the upstream
// closed. Cancellation is immediate per subscriber; remaining
// subscribers keep the upstream alive (spec §4.4).
func (s *Subscription) Next(ctx context.Context) (storage.CheckpointUpdate, bool, error) {
	for {
		s.mu.Lock()
		if s.value != nil {
			v := *s.value
			s.value = nil
			s.mu.Unlock()
			return v, true, nil
		}
		if s.closed {
			s.mu.Unlock()
			return storage.CheckpointUpdate{}, false, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return storage.CheckpointUpdate{}, false, ctx.Err()
		case _, ok := <-s.notify:
			if !ok {
				return storage.CheckpointUpdate{}, false, nil
			}
		}
	}
}

// TryNext is the non-blocking form of Next: it returns ok=false
// immediately if no value is waiting, and otherwise takes the waiting
// value out of the mailbox, so a following Next does not see it. Used for
// mid-checkpoint preemption (spec §4.7, §5), where the orchestrator only
// wants to know whether a fresher checkpoint has already arrived, not to
// wait for one.
func (s *Subscription) TryNext(ctx context.Context) (storage.CheckpointUpdate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.value == nil {
		return storage.CheckpointUpdate{}, false
	}
	v := *s.value
	s.value = nil
	return v, true
}

// Close cancels this subscription. Idempotent.
func (s *Subscription) Close() {
	s.d.unsubscribe(s)
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.notify)
	}
	s.mu.Unlock()
}
