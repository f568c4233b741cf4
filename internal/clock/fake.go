package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a Clock whose time moves only when Advance is called.
// Safe for concurrent use.
type Fake struct {
	mu      sync.Mutex
	current time.Time
	tickers []*fakeTicker
}

type fakeTicker struct {
	deadline time.Time
	interval time.Duration
	channel  chan time.Time
	stopped  bool
}

// NewFake returns a fake clock set to initial.
func NewFake(initial time.Time) *Fake {
	return &Fake{current: initial}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	t := &fakeTicker{
		deadline: f.current.Add(d),
		interval: d,
		channel:  make(chan time.Time, 1),
	}
	f.tickers = append(f.tickers, t)
	return &Ticker{
		C: t.channel,
		stopFunc: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			t.stopped = true
		},
	}
}

// Advance moves the clock forward and fires every ticker whose deadline
// falls inside the new time, once per elapsed interval, in deadline order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.current = f.current.Add(d)
	target := f.current

	var due []*fakeTicker
	live := f.tickers[:0]
	for _, t := range f.tickers {
		if t.stopped {
			continue
		}
		live = append(live, t)
		if !t.deadline.After(target) {
			due = append(due, t)
		}
	}
	f.tickers = live
	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	f.mu.Unlock()

	for _, t := range due {
		for !t.deadline.After(target) {
			select {
			case t.channel <- target:
			default:
			}
			t.deadline = t.deadline.Add(t.interval)
		}
	}
}

// Set jumps the clock to an absolute time without firing tickers.
func (f *Fake) Set(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = now
}

// ActiveTickers returns the number of tickers not yet stopped.
func (f *Fake) ActiveTickers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.tickers {
		if !t.stopped {
			n++
		}
	}
	return n
}
