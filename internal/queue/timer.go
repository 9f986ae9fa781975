package queue

import "time"

// Timer runs a func on an executor after a delay. Reset and Stop must be
// called from the executor goroutine. A stopped or superseded timer never
// runs its func, even when its time.Timer already fired.
type Timer struct {
	exec *Executor
	t    *time.Timer
	seq  uint64
}

// NewTimer creates an idle timer bound to e.
func (e *Executor) NewTimer() *Timer {
	return &Timer{exec: e}
}

// Reset stops any pending run and schedules fn after d.
func (t *Timer) Reset(d time.Duration, fn func()) {
	t.Stop()
	seq := t.seq
	t.t = time.AfterFunc(d, func() {
		t.exec.Post(func() {
			if t.seq != seq {
				return
			}
			t.t = nil
			fn()
		})
	})
}

// Stop cancels the pending run, if any.
func (t *Timer) Stop() {
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
	t.seq++
}

// Active reports whether a run is pending.
func (t *Timer) Active() bool {
	return t.t != nil
}
