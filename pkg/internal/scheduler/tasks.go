// Package scheduler provides cancellable one-shot deadlines. Callbacks are
// never run on the timer goroutine directly; they are handed to a submit
// function so the owning channel worker can serialize them with everything
// else it processes.
package scheduler

import "time"

// SubmitFunc routes a callback onto an ordered execution queue.
type SubmitFunc func(fn func())

// Task is a pending one-shot callback. Cancelling a task whose callback has
// already been submitted is a no-op; the callback itself is expected to
// tolerate finding its target gone.
type Task struct {
	timer *time.Timer
}

// After schedules fn to run through submit once d has elapsed. Negative
// durations are clamped to zero so an already-passed deadline fires at once.
func After(d time.Duration, submit SubmitFunc, fn func()) *Task {
	if d < 0 {
		d = 0
	}
	return &Task{
		timer: time.AfterFunc(d, func() {
			submit(fn)
		}),
	}
}

// At schedules fn for a wall-clock deadline.
func At(deadline time.Time, submit SubmitFunc, fn func()) *Task {
	return After(time.Until(deadline), submit, fn)
}

// Cancel stops the task if it has not fired yet.
func (v *Task) Cancel() {
	if v != nil && v.timer != nil {
		v.timer.Stop()
	}
}
