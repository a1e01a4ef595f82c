package netreactor

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/joeycumines/logiface"
)

// TimerCallback receives the time an entry was scheduled for, and the time
// it actually fired, which is never earlier.
type TimerCallback func(scheduled, fired time.Time)

// timerEntry is a single scheduled callback.
type timerEntry struct {
	when time.Time
	cb   TimerCallback
	seq  uint64
}

// timerHeap is a min-heap of timer entries.
type timerHeap []timerEntry

// Implement heap.Interface for timerHeap
func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}
func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(timerEntry))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = timerEntry{}
	*h = old[:n-1]
	return x
}

// Timer is a deadline scheduler running on its own loop goroutine. Due
// entries are fired in ascending time order, batched per wakeup; the loop
// wakes no more often than its precision. Entries with equal times fire in
// an unspecified relative order.
type Timer struct {
	logger    *logiface.Logger[logiface.Event]
	metrics   *timerMetrics
	now       func() time.Time
	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	name      string
	entries   timerHeap
	due       []timerEntry
	precision time.Duration
	seq       uint64
	mu        sync.Mutex
	stopOnce  sync.Once
	state     loopState
	stopped   bool
}

// NewTimer creates a Timer. Entries may be scheduled before Run.
func NewTimer(opts ...TimerOption) (*Timer, error) {
	cfg, err := resolveTimerOptions(opts)
	if err != nil {
		return nil, err
	}
	t := &Timer{
		logger:    cfg.logger,
		now:       cfg.now,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		name:      cfg.name,
		precision: cfg.precision,
	}
	t.metrics = newTimerMetrics(cfg.name, t.Pending)
	return t, nil
}

// Precision returns the minimum wakeup granularity.
func (t *Timer) Precision() time.Duration {
	return t.precision
}

// Pending returns the number of scheduled entries that have not fired.
func (t *Timer) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Done returns a channel that is closed once the loop has exited.
func (t *Timer) Done() <-chan struct{} {
	return t.done
}

// ScheduleAfter schedules cb to run once d has elapsed, per the timer's clock.
func (t *Timer) ScheduleAfter(d time.Duration, cb TimerCallback) error {
	return t.ScheduleAt(t.now().Add(d), cb)
}

// ScheduleAt schedules cb to run at or after at.
func (t *Timer) ScheduleAt(at time.Time, cb TimerCallback) error {
	if cb == nil {
		return ErrNilTimerCallback
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return ErrTimerStopped
	}
	wasEmpty := len(t.entries) == 0
	t.seq++
	heap.Push(&t.entries, timerEntry{when: at, cb: cb, seq: t.seq})
	t.mu.Unlock()

	// the new entry may be the earliest, and the loop may be waiting
	if wasEmpty {
		select {
		case t.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// Run runs the loop on the calling goroutine until Stop is called or ctx is
// cancelled. Entries still pending are discarded. Returns nil after Stop, or
// ctx.Err() after cancellation.
func (t *Timer) Run(ctx context.Context) error {
	if !t.state.TryTransition(StateAwake, StateRunning) {
		if t.state.Load() == StateRunning {
			return ErrTimerAlreadyRunning
		}
		return ErrTimerStopped
	}
	defer close(t.done)

	t.logger.Debug().
		Str("timer", t.name).
		Dur("precision", t.precision).
		Log(`timer started`)

	err := t.run(ctx)

	t.state.TryTransition(StateRunning, StateStopping)
	t.mu.Lock()
	t.stopped = true
	clear(t.entries)
	t.entries = t.entries[:0]
	t.mu.Unlock()
	t.state.Store(StateTerminated)

	t.logger.Debug().
		Str("timer", t.name).
		Log(`timer stopped`)

	return err
}

func (t *Timer) run(ctx context.Context) error {
	sleeper := time.NewTimer(t.precision)
	defer sleeper.Stop()

	for {
		select {
		case <-t.stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		start := t.now()
		for _, e := range t.popDue(start) {
			t.fire(e)
		}
		clear(t.due)
		t.due = t.due[:0]

		if t.Pending() == 0 {
			select {
			case <-t.wake:
				continue
			case <-t.stop:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if d := t.precision - t.now().Sub(start); d > 0 {
			sleeper.Reset(d)
			select {
			case <-sleeper.C:
			case <-t.stop:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// popDue removes every entry due at now, in ascending order.
func (t *Timer) popDue(now time.Time) []timerEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.entries) != 0 && !t.entries[0].when.After(now) {
		t.due = append(t.due, heap.Pop(&t.entries).(timerEntry))
	}
	return t.due
}

func (t *Timer) fire(e timerEntry) {
	fired := t.now()
	if fired.Before(e.when) {
		fired = e.when
	}
	t.metrics.fired.Inc()
	t.metrics.drift.Update(fired.Sub(e.when).Seconds())

	defer func() {
		if r := recover(); r != nil {
			t.metrics.panics.Inc()
			recoverCallback(t.logger, "timer-callback", r)
		}
	}()
	e.cb(e.when, fired)
}

// Stop requests that the loop exit, discarding pending entries. It does not
// wait; use [Timer.Done]. Scheduling after Stop fails with [ErrTimerStopped].
func (t *Timer) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.stopOnce.Do(func() {
		close(t.stop)
	})
}
