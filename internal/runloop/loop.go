// Package runloop provides a single-goroutine cooperative event loop.
//
// All state owned by a loop is mutated exclusively from callbacks running on
// the loop goroutine. Other goroutines interact with it only through Post,
// which is safe for concurrent use. Timers and tickers deliver their callbacks
// onto the loop as well, and carry a stop flag that is re-checked at fire time
// on the loop goroutine, so a handle stopped from the loop can never fire
// afterwards.
package runloop

import (
	"sync"
	"sync/atomic"
	"time"
)

// Loop is a serial task executor. Create with New, drive with Run.
type Loop struct {
	mu    sync.Mutex
	queue []func()

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

// New returns a loop ready to Run.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Run processes posted tasks until Quit is called. Tasks already queued when
// Quit fires are still executed before Run returns, so cleanup work posted
// ahead of Quit is never dropped.
func (l *Loop) Run() {
	defer close(l.done)
	for {
		for _, fn := range l.take() {
			fn()
		}
		select {
		case <-l.quit:
			// Final drain.
			for _, fn := range l.take() {
				fn()
			}
			return
		case <-l.wake:
		}
	}
}

func (l *Loop) take() []func() {
	l.mu.Lock()
	q := l.queue
	l.queue = nil
	l.mu.Unlock()
	return q
}

// Post schedules fn to run on the loop goroutine. It never blocks and is safe
// from any goroutine, including the loop itself. Returns false once the loop
// has been asked to quit; the task is dropped in that case.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.quit:
		return false
	default:
	}
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Quit asks the loop to stop. Idempotent, non-blocking, callable from any
// goroutine including signal-handler contexts.
func (l *Loop) Quit() {
	l.once.Do(func() { close(l.quit) })
}

// Done is closed after Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Timer is a one-shot timer whose callback runs on the loop. Stop prevents
// any future fire; when called from the loop goroutine the guarantee is
// absolute because the fire-time check runs there too.
type Timer struct {
	stopped atomic.Bool
	timer   *time.Timer
}

// After schedules fn on the loop after d.
func (l *Loop) After(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped.CompareAndSwap(false, true) {
				fn()
			}
		})
	})
	return t
}

// Stop cancels the timer. Safe to call multiple times.
func (t *Timer) Stop() {
	if t.stopped.CompareAndSwap(false, true) {
		t.timer.Stop()
	}
}

// Stopped reports whether the timer has fired or been stopped.
func (t *Timer) Stopped() bool { return t.stopped.Load() }

// Ticker delivers a callback onto the loop at a fixed interval.
type Ticker struct {
	stopped atomic.Bool
	ticker  *time.Ticker
	halt    chan struct{}
}

// Every runs fn on the loop every d until the ticker is stopped.
func (l *Loop) Every(d time.Duration, fn func()) *Ticker {
	t := &Ticker{
		ticker: time.NewTicker(d),
		halt:   make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-t.halt:
				return
			case <-l.quit:
				return
			case <-t.ticker.C:
				l.Post(func() {
					if !t.stopped.Load() {
						fn()
					}
				})
			}
		}
	}()
	return t
}

// Stop cancels the ticker. Safe to call multiple times.
func (t *Ticker) Stop() {
	if t.stopped.CompareAndSwap(false, true) {
		t.ticker.Stop()
		close(t.halt)
	}
}
