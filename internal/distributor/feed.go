// Package distributor fans repository reads out to subscribers. Each entity
// id has at most one polling loop, shared by all of its subscribers and
// stopped when the last one leaves.
package distributor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kids-checkin-backend/internal/clock"
	"kids-checkin-backend/internal/metrics"
)

// ErrClosed is returned when subscribing to a closed feed.
var ErrClosed = errors.New("distributor: feed closed")

// Fetcher reads one value by id.
type Fetcher[T any] func(ctx context.Context, id string) (T, error)

// Feed polls values of one entity class keyed by id.
type Feed[T any] struct {
	name     string
	interval time.Duration
	cached   Fetcher[T]
	fetch    Fetcher[T]
	clock    clock.Clock
	log      zerolog.Logger

	mu     sync.Mutex
	topics map[string]*topic[T]
	closed bool
	wg     sync.WaitGroup
}

type topic[T any] struct {
	id        string
	subs      map[*Subscription[T]]struct{}
	latest    T
	hasLatest bool
	cancel    context.CancelFunc
	// fetchMu makes each fetch and its broadcast one step, so subscribers
	// see values in fetch order.
	fetchMu sync.Mutex
}

// NewFeed builds a feed. cached serves the first emission; fetch is called
// on every interval and on Trigger.
func NewFeed[T any](name string, interval time.Duration, cached, fetch Fetcher[T], clk clock.Clock, logger *zerolog.Logger) *Feed[T] {
	if clk == nil {
		clk = clock.Real()
	}
	return &Feed[T]{
		name:     name,
		interval: interval,
		cached:   cached,
		fetch:    fetch,
		clock:    clk,
		log:      logger.With().Str("feed", name).Logger(),
		topics:   make(map[string]*topic[T]),
	}
}

// Subscription receives the latest value of one id. C holds at most one
// value: a newer value replaces one the subscriber has not read yet.
type Subscription[T any] struct {
	C <-chan T

	ch    chan T
	feed  *Feed[T]
	topic *topic[T]
	once  sync.Once
}

// Close releases the subscription and closes C. The polling loop stops when
// its last subscription is closed. Close is idempotent.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.feed.release(s)
	})
}

// Subscribe registers interest in id. A late subscriber immediately
// receives the last broadcast value.
func (f *Feed[T]) Subscribe(id string) (*Subscription[T], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}

	ch := make(chan T, 1)
	t, ok := f.topics[id]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		t = &topic[T]{id: id, subs: make(map[*Subscription[T]]struct{}), cancel: cancel}
		f.topics[id] = t
		f.wg.Add(1)
		go f.run(ctx, t)
	}
	sub := &Subscription[T]{C: ch, ch: ch, feed: f, topic: t}
	t.subs[sub] = struct{}{}
	if t.hasLatest {
		offer(ch, t.latest)
	}
	return sub, nil
}

func (f *Feed[T]) release(s *Subscription[T]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := s.topic
	if _, ok := t.subs[s]; !ok {
		return
	}
	delete(t.subs, s)
	close(s.ch)
	if len(t.subs) == 0 {
		t.cancel()
		if f.topics[t.id] == t {
			delete(f.topics, t.id)
		}
	}
}

// Subscribers returns the number of live subscriptions for id.
func (f *Feed[T]) Subscribers(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.topics[id]; ok {
		return len(t.subs)
	}
	return 0
}

// Loops returns the number of ids currently being polled.
func (f *Feed[T]) Loops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.topics)
}

// Trigger fetches id now and broadcasts the result to its subscribers, if
// any. It returns the fetched value.
func (f *Feed[T]) Trigger(ctx context.Context, id string) (T, error) {
	f.mu.Lock()
	t, ok := f.topics[id]
	f.mu.Unlock()
	if !ok {
		return f.fetch(ctx, id)
	}
	return f.refresh(ctx, t)
}

// Close stops every loop, closes every subscription and waits for the loops
// to exit.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	f.closed = true
	for id, t := range f.topics {
		for s := range t.subs {
			close(s.ch)
			delete(t.subs, s)
		}
		t.cancel()
		delete(f.topics, id)
	}
	f.mu.Unlock()
	f.wg.Wait()
}

func (f *Feed[T]) run(ctx context.Context, t *topic[T]) {
	defer f.wg.Done()
	metrics.LoopStarted(f.name)
	defer metrics.LoopStopped(f.name)

	ticker := f.clock.NewTicker(f.interval)
	defer ticker.Stop()

	f.log.Debug().Str("id", t.id).Msg("polling loop started")
	if !f.emitCached(ctx, t) {
		_, _ = f.refresh(ctx, t)
	}

	for {
		select {
		case <-ctx.Done():
			f.log.Debug().Str("id", t.id).Msg("polling loop stopped")
			return
		case <-ticker.C:
			_, _ = f.refresh(ctx, t)
		}
	}
}

// emitCached publishes the cached value as the first emission. It holds
// fetchMu so a concurrent Trigger cannot be overwritten by the older cached
// value, and it publishes nothing when a fetch already did. It reports
// whether the topic has a value afterwards.
func (f *Feed[T]) emitCached(ctx context.Context, t *topic[T]) bool {
	t.fetchMu.Lock()
	defer t.fetchMu.Unlock()

	f.mu.Lock()
	done := t.hasLatest
	f.mu.Unlock()
	if done {
		return true
	}

	v, err := f.cached(ctx, t.id)
	if err != nil {
		return false
	}
	f.publish(t, v)
	return true
}

// refresh fetches and broadcasts. On error the last known value is sent
// again so subscribers keep a current view.
func (f *Feed[T]) refresh(ctx context.Context, t *topic[T]) (T, error) {
	t.fetchMu.Lock()
	defer t.fetchMu.Unlock()

	v, err := f.fetch(ctx, t.id)
	if err != nil {
		if ctx.Err() != nil {
			return v, err
		}
		metrics.IncPollTick(f.name, "error")
		f.log.Warn().Err(err).Str("id", t.id).Msg("refresh failed")
		f.mu.Lock()
		if t.hasLatest {
			for s := range t.subs {
				offer(s.ch, t.latest)
			}
		}
		f.mu.Unlock()
		return v, err
	}
	metrics.IncPollTick(f.name, "ok")
	f.publish(t, v)
	return v, nil
}

func (f *Feed[T]) publish(t *topic[T], v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t.latest = v
	t.hasLatest = true
	for s := range t.subs {
		offer(s.ch, v)
	}
}

// offer puts v into a one-slot channel, replacing an unread value. Callers
// hold the feed mutex, so the receiver is the only other party.
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
