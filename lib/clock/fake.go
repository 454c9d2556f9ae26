// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"sync"
	"time"
)

// FakeClock is a Clock that moves only on Advance.
type FakeClock struct {
	mu      sync.Mutex
	armed   *sync.Cond
	now     time.Time
	nextSeq uint64
	pending []*deadline
}

// deadline is one armed timer or ticker.
type deadline struct {
	at       time.Time
	seq      uint64 // arming order, breaks ties between equal deadlines
	every    time.Duration
	callback func()
	ticks    chan time.Time
}

var _ Clock = (*FakeClock)(nil)

// Fake returns a fake clock reading start.
func Fake(start time.Time) *FakeClock {
	clock := &FakeClock{now: start}
	clock.armed = sync.NewCond(&clock.mu)
	return clock
}

// Now implements Clock.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// arm registers entry and returns a function that disarms it,
// reporting whether it was still pending.
func (c *FakeClock) arm(entry *deadline) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSeq++
	entry.seq = c.nextSeq
	c.pending = append(c.pending, entry)
	c.armed.Broadcast()
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		position := slices.Index(c.pending, entry)
		if position < 0 {
			return false
		}
		c.pending = slices.Delete(c.pending, position, position+1)
		return true
	}
}

// AfterFunc implements Clock. A non-positive d calls f before
// returning.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}
	return &Timer{stop: c.arm(&deadline{at: c.Now().Add(d), callback: f})}
}

// NewTicker implements Clock.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: NewTicker needs a positive interval")
	}
	ticks := make(chan time.Time, 1)
	disarm := c.arm(&deadline{at: c.Now().Add(d), every: d, ticks: ticks})
	return &Ticker{C: ticks, stop: func() { disarm() }}
}

// Advance moves the clock forward by d, firing every deadline up to
// the new time in deadline order. A ticker fires once per interval
// passed. Callbacks run on the calling goroutine without the clock's
// lock held, so they may arm new deadlines; those fire too if they
// fall within the advance.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for {
		entry := c.earliestLocked(target)
		if entry == nil {
			break
		}
		c.now = entry.at
		if entry.every > 0 {
			entry.at = entry.at.Add(entry.every)
		} else {
			c.pending = slices.DeleteFunc(c.pending, func(p *deadline) bool { return p == entry })
		}
		fired := c.now
		c.mu.Unlock()
		if entry.callback != nil {
			entry.callback()
		} else {
			select {
			case entry.ticks <- fired:
			default:
			}
		}
		c.mu.Lock()
	}
	c.now = target
	c.mu.Unlock()
}

// earliestLocked returns the pending deadline due first at or before
// target, or nil.
func (c *FakeClock) earliestLocked(target time.Time) *deadline {
	var earliest *deadline
	for _, entry := range c.pending {
		if entry.at.After(target) {
			continue
		}
		if earliest == nil || entry.at.Before(earliest.at) ||
			(entry.at.Equal(earliest.at) && entry.seq < earliest.seq) {
			earliest = entry
		}
	}
	return earliest
}

// WaitForTimers blocks until at least n deadlines are armed.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.armed.Wait()
	}
}

// Pending returns the number of armed deadlines.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
