// Package timeutil implements restorable timers for protocol state machines.
//
// A [Timer] behaves like [time.AfterFunc] but additionally tracks its start
// time, duration and state, so a lightweight [TimerSnapshot] can be exported
// for persistence and the timer recreated later with [RestoreTimer]. Runtime
// fields such as the callback and the underlying [time.Timer] are not part of
// a snapshot and must be reattached after restoration.
package timeutil

import (
	"encoding/json"
	"sync"
	"time"

	"braces.dev/errtrace"
)

// TimerState represents the current state of a timer.
type TimerState string

const (
	// TimerStateRunning indicates the timer is currently running.
	TimerStateRunning TimerState = "running"
	// TimerStateStopped indicates the timer was stopped before expiration.
	TimerStateStopped TimerState = "stopped"
	// TimerStateExpired indicates the timer has expired.
	TimerStateExpired TimerState = "expired"
)

// Timer is a restorable one-shot timer.
// The zero value is not usable, construct with [NewTimer], [AfterFunc] or
// [RestoreTimer].
type Timer struct {
	mu        sync.Mutex
	startTime time.Time
	duration  time.Duration
	state     TimerState
	stopTime  time.Time

	callback func()
	fired    bool
	real     *time.Timer
}

// NewTimer creates a new running [Timer] with the given duration
// and no callback attached.
func NewTimer(duration time.Duration) *Timer {
	return &Timer{
		startTime: time.Now(),
		duration:  duration,
		state:     TimerStateRunning,
	}
}

// AfterFunc creates a new running [Timer] that executes f on its own
// goroutine when the duration elapses.
func AfterFunc(duration time.Duration, f func()) *Timer {
	t := NewTimer(duration)
	t.SetCallback(f)
	return t
}

// State returns the current timer state.
func (t *Timer) State() TimerState {
	if t == nil {
		return ""
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Duration returns the timer's duration.
func (t *Timer) Duration() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.duration
}

// Left returns the time remaining until the timer expires.
// It returns 0 when the timer is expired or stopped.
func (t *Timer) Left() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TimerStateRunning {
		return 0
	}
	left := t.duration - time.Since(t.startTime)
	if left < 0 {
		return 0
	}
	return left
}

// Expired reports whether the timer has expired.
func (t *Timer) Expired() bool {
	if t == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expiredLocked()
}

func (t *Timer) expiredLocked() bool {
	switch t.state {
	case TimerStateExpired:
		return true
	case TimerStateStopped:
		return false
	}
	return time.Since(t.startTime) >= t.duration
}

// Stop stops the timer. The callback will not be executed.
// It reports whether the timer was running.
func (t *Timer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TimerStateRunning {
		return false
	}

	t.state = TimerStateStopped
	t.stopTime = time.Now()
	t.callback = nil
	if t.real != nil {
		t.real.Stop()
		t.real = nil
	}
	return true
}

// SetCallback attaches a function to execute when the timer expires.
// The function is called on its own goroutine, like [time.AfterFunc].
// If the timer has already expired, the function is executed immediately.
// If the timer is stopped, the function is never executed.
func (t *Timer) SetCallback(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.callback = f

	if t.expiredLocked() && !t.fired {
		t.state = TimerStateExpired
		t.fired = true
		go f()
		return
	}

	if t.state != TimerStateRunning {
		return
	}

	if t.real != nil {
		t.real.Stop()
	}
	left := t.duration - time.Since(t.startTime)
	if left <= 0 {
		left = 1
	}
	t.real = time.AfterFunc(left, t.fire)
}

func (t *Timer) fire() {
	t.mu.Lock()
	if t.state != TimerStateRunning || t.fired {
		t.mu.Unlock()
		return
	}
	t.state = TimerStateExpired
	t.stopTime = time.Now()
	t.fired = true
	cb := t.callback
	t.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// Reset restarts the timer with a new duration, starting from now.
// The attached callback is preserved and will execute when the new
// duration elapses.
func (t *Timer) Reset(duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.startTime = time.Now()
	t.duration = duration
	t.state = TimerStateRunning
	t.stopTime = time.Time{}
	t.fired = false

	if t.real != nil {
		t.real.Stop()
		t.real = nil
	}
	if t.callback != nil {
		t.real = time.AfterFunc(duration, t.fire)
	}
}

// TimerSnapshot is a serializable view of a timer.
// Only deterministic fields are included, so the snapshot can be safely
// persisted or transferred.
type TimerSnapshot struct {
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration"`
	State     TimerState    `json:"state"`
	StopTime  time.Time     `json:"stop_time,omitzero"`
}

// Snapshot returns an immutable representation of the timer state.
// A nil timer yields a nil snapshot.
func (t *Timer) Snapshot() *TimerSnapshot {
	if t == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.state
	stopTime := t.stopTime
	if state == TimerStateRunning && time.Since(t.startTime) >= t.duration {
		state = TimerStateExpired
	}
	return &TimerSnapshot{
		StartTime: t.startTime,
		Duration:  t.duration,
		State:     state,
		StopTime:  stopTime,
	}
}

// RestoreTimer recreates a [Timer] from its snapshot.
// The callback is left unset; callers should reattach it with
// [Timer.SetCallback]. A timer restored in the running state whose deadline
// already passed fires immediately once a callback is attached.
func RestoreTimer(snap *TimerSnapshot) *Timer {
	if snap == nil {
		return nil
	}

	return &Timer{
		startTime: snap.StartTime,
		duration:  snap.Duration,
		state:     snap.State,
		stopTime:  snap.StopTime,
	}
}

var jsonNull = []byte("null")

// MarshalJSON implements [json.Marshaler].
func (t *Timer) MarshalJSON() ([]byte, error) {
	if t == nil {
		return jsonNull, nil
	}
	return errtrace.Wrap2(json.Marshal(t.Snapshot()))
}

// UnmarshalJSON implements [json.Unmarshaler].
func (t *Timer) UnmarshalJSON(data []byte) error {
	var snap TimerSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return errtrace.Wrap(err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.real != nil {
		t.real.Stop()
		t.real = nil
	}
	t.startTime = snap.StartTime
	t.duration = snap.Duration
	t.state = snap.State
	t.stopTime = snap.StopTime
	t.callback = nil
	t.fired = false
	return nil
}
