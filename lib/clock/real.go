// Copyright 2026 The HAWKI Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Real returns the wall-clock Clock. Durations passed to it are real
// elapsed time, so the debounce and flush intervals configured across
// the client are honored literally.
func Real() Clock { return systemClock{} }

// systemClock delegates straight to the time package. It holds no
// state; one value serves every component.
type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

func (systemClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stopFunc: t.Stop, resetFunc: t.Reset}
}

func (systemClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stopFunc: t.Stop, resetFunc: t.Reset}
}
