package session

import (
	"context"
	"sync"
	"time"
)

// tickerFunc returns a tick channel and a stop function.
type tickerFunc func(d time.Duration) (<-chan time.Time, func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// Timer counts whole seconds since the current question was displayed.
// Only one counting goroutine exists at a time; ticks from a stopped or
// reset run are discarded.
type Timer struct {
	mu       sync.Mutex
	seconds  int
	running  bool
	gen      uint64
	cancel   context.CancelFunc
	interval time.Duration
	ticker   tickerFunc
}

// NewTimer returns a stopped Timer ticking once per second.
func NewTimer() *Timer {
	return &Timer{interval: time.Second, ticker: realTicker}
}

// Start begins counting. A running Timer ignores Start; call Reset first to restart.
func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	t.running = true
	t.gen++
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	ch, stop := t.ticker(t.interval)
	go t.run(ctx, t.gen, ch, stop)
}

func (t *Timer) run(ctx context.Context, gen uint64, ch <-chan time.Time, stop func()) {
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			t.mu.Lock()
			if t.running && t.gen == gen {
				t.seconds++
			}
			t.mu.Unlock()
		}
	}
}

// Stop freezes the counter and returns the elapsed seconds.
func (t *Timer) Stop() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.halt()
	return t.seconds
}

// Reset stops the counter and zeroes it.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.halt()
	t.seconds = 0
}

// Elapsed returns the current count without stopping.
func (t *Timer) Elapsed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seconds
}

// Running reports whether the counter is live.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// halt must be called with mu held.
func (t *Timer) halt() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.running = false
	t.gen++
}
