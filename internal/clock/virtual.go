/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package clock

import (
	"sync"
	"time"
)

// Virtual is a manually advanced Clock for tests. Timers fire when
// Advance (or Set) moves the virtual now past their deadline.
type Virtual struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*virtualTimer
}

// NewVirtual creates a virtual clock starting at the given instant.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

// Now returns the current virtual time.
func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

// NewTimer returns a timer that fires once virtual time reaches now+d.
// A non-positive duration fires immediately.
func (v *Virtual) NewTimer(d time.Duration) Timer {
	v.mu.Lock()
	defer v.mu.Unlock()

	t := &virtualTimer{
		clk:      v,
		deadline: v.now.Add(d),
		ch:       make(chan time.Time, 1),
	}
	if d <= 0 {
		t.fired = true
		t.ch <- v.now
		return t
	}
	v.waiters = append(v.waiters, t)
	return t
}

// Advance moves virtual time forward and fires due timers.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	v.now = v.now.Add(d)
	v.fireDueLocked()
	v.mu.Unlock()
}

// Set jumps virtual time to the given instant and fires due timers.
// Moving backwards is not supported.
func (v *Virtual) Set(t time.Time) {
	v.mu.Lock()
	if t.After(v.now) {
		v.now = t
		v.fireDueLocked()
	}
	v.mu.Unlock()
}

func (v *Virtual) fireDueLocked() {
	remaining := v.waiters[:0]
	for _, t := range v.waiters {
		if t.fired {
			continue
		}
		if !t.deadline.After(v.now) {
			t.fired = true
			t.ch <- v.now
			continue
		}
		remaining = append(remaining, t)
	}
	v.waiters = remaining
}

type virtualTimer struct {
	clk      *Virtual
	deadline time.Time
	ch       chan time.Time
	fired    bool
}

func (t *virtualTimer) C() <-chan time.Time { return t.ch }

func (t *virtualTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	if t.fired {
		return false
	}
	t.fired = true
	return true
}
