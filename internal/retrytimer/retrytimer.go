// Package retrytimer wakes the download scheduler when a retry becomes due.
//
// Without it a job whose RetryAfter elapses between two ticks waits for the
// next tick. The timer keeps a min-heap of deadlines, sleeps until the
// soonest one and then calls fire with the job key. One deadline per key;
// re-arming a key replaces its deadline.
package retrytimer

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Timer delivers retry wake-ups. All methods are safe for concurrent use.
type Timer struct {
	mu    sync.Mutex
	h     deadlineHeap
	byKey map[string]*deadline

	// notify (cap 1) interrupts the sleep when a sooner deadline is armed.
	notify chan struct{}

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Timer. Call Start to begin delivering wake-ups.
func New() *Timer {
	return &Timer{
		h:      make(deadlineHeap, 0, 16),
		byKey:  make(map[string]*deadline),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Arm schedules a wake-up for key at atMs, replacing any earlier one.
func (t *Timer) Arm(key string, atMs int64) {
	t.mu.Lock()
	if prev, ok := t.byKey[key]; ok {
		t.h.remove(prev.idx)
	}
	d := &deadline{key: key, atMs: atMs}
	heap.Push(&t.h, d)
	t.byKey[key] = d
	t.mu.Unlock()

	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// Disarm drops the wake-up for key. No-op if none is armed.
func (t *Timer) Disarm(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d, ok := t.byKey[key]; ok {
		t.h.remove(d.idx)
		delete(t.byKey, key)
	}
}

// Len returns the number of armed wake-ups.
func (t *Timer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byKey)
}

// Start launches the delivery goroutine. fire runs on that goroutine and
// must not block. Start must be called at most once.
func (t *Timer) Start(ctx context.Context, fire func(key string)) {
	t.wg.Add(1)
	go t.run(ctx, fire)
}

// Stop halts delivery and waits for the goroutine to exit. Armed deadlines
// are kept, but never fire.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
	t.wg.Wait()
}

func (t *Timer) run(ctx context.Context, fire func(key string)) {
	defer t.wg.Done()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		t.mu.Lock()
		var next *deadline
		if t.h.Len() > 0 {
			next = t.h[0]
		}
		t.mu.Unlock()

		if next == nil {
			select {
			case <-ctx.Done():
				return
			case <-t.done:
				return
			case <-t.notify:
			}
			continue
		}

		delay := time.Until(time.UnixMilli(next.atMs))
		if delay <= 0 {
			if key, ok := t.popDue(); ok {
				fire(key)
			}
			continue
		}

		if timer == nil {
			timer = time.NewTimer(delay)
		} else {
			timer.Reset(delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-t.notify:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
			if key, ok := t.popDue(); ok {
				fire(key)
			}
		}
	}
}

// popDue removes and returns the root if it is due.
func (t *Timer) popDue() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.h.Len() == 0 || t.h[0].atMs > time.Now().UnixMilli() {
		return "", false
	}
	d := heap.Pop(&t.h).(*deadline)
	delete(t.byKey, d.key)
	return d.key, true
}
