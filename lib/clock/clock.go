// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts time for the debounce and timeout paths. Production
// code injects Real(); tests inject Fake() and advance time manually.
//
// Anything in this module that would otherwise call time.Now,
// time.After, time.AfterFunc, time.NewTicker, or time.Sleep takes a
// Clock instead. The write batcher, the keychain flusher, and the
// reactive front timeouts all depend on this for deterministic tests.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d
	// has elapsed. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc waits for d, then calls f. The returned Timer can
	// cancel the pending call via Stop; its C field is nil, matching
	// time.AfterFunc.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering ticks on C every d.
	// Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker

	// Sleep pauses the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker wraps a periodic timer. C has capacity 1; if the consumer
// falls behind, ticks are dropped rather than queued, matching
// time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stopFunc  func()
	resetFunc func(time.Duration)
}

// Stop turns the ticker off. It does not close C.
func (t *Ticker) Stop() { t.stopFunc() }

// Reset restarts the tick cycle with a new interval.
func (t *Ticker) Reset(d time.Duration) { t.resetFunc(d) }

// Timer is a scheduled one-shot event. Timers created by AfterFunc
// have a nil C.
type Timer struct {
	C <-chan time.Time

	stopFunc  func() bool
	resetFunc func(time.Duration) bool
}

// Stop prevents the timer from firing. Returns false if it already
// fired or was stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Reset re-arms the timer to fire after d. Returns true if the timer
// was active before the reset.
func (t *Timer) Reset(d time.Duration) bool { return t.resetFunc(d) }
