// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"testing"
	"time"

	"github.com/bureau-foundation/canister/lib/testutil"
)

var epoch = time.Unix(1_700_000_000, 0)

func TestAfterFuncFiresAtDeadline(t *testing.T) {
	clock := Fake(epoch)
	fired := false
	clock.AfterFunc(5*time.Second, func() { fired = true })

	clock.Advance(4 * time.Second)
	if fired {
		t.Fatal("fired before its deadline")
	}
	clock.Advance(time.Second)
	if !fired {
		t.Fatal("did not fire at its deadline")
	}
	if clock.Pending() != 0 {
		t.Errorf("pending = %d after firing, want 0", clock.Pending())
	}
	if got := clock.Now(); !got.Equal(epoch.Add(5 * time.Second)) {
		t.Errorf("Now = %v, want %v", got, epoch.Add(5*time.Second))
	}
}

func TestStoppedTimerDoesNotFire(t *testing.T) {
	clock := Fake(epoch)
	fired := false
	timer := clock.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Error("Stop of a pending timer returned false")
	}
	if timer.Stop() {
		t.Error("second Stop returned true")
	}
	clock.Advance(time.Minute)
	if fired {
		t.Error("stopped timer fired")
	}
}

func TestNonPositiveAfterFuncRunsImmediately(t *testing.T) {
	clock := Fake(epoch)
	fired := false
	timer := clock.AfterFunc(0, func() { fired = true })
	if !fired {
		t.Fatal("callback did not run")
	}
	if timer.Stop() {
		t.Error("Stop after an immediate call returned true")
	}
}

func TestAdvanceFiresInDeadlineOrder(t *testing.T) {
	clock := Fake(epoch)
	var order []string
	clock.AfterFunc(3*time.Second, func() { order = append(order, "three") })
	clock.AfterFunc(time.Second, func() { order = append(order, "one-a") })
	clock.AfterFunc(time.Second, func() { order = append(order, "one-b") })
	clock.AfterFunc(2*time.Second, func() {
		order = append(order, "two")
		// Armed during the advance and due within it.
		clock.AfterFunc(500*time.Millisecond, func() { order = append(order, "two-and-a-half") })
	})

	clock.Advance(10 * time.Second)
	want := []string{"one-a", "one-b", "two", "two-and-a-half", "three"}
	if !slices.Equal(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestCallbackSeesDeadlineTime(t *testing.T) {
	clock := Fake(epoch)
	var seen time.Time
	clock.AfterFunc(2*time.Second, func() { seen = clock.Now() })
	clock.Advance(time.Minute)
	if !seen.Equal(epoch.Add(2 * time.Second)) {
		t.Errorf("callback saw %v, want %v", seen, epoch.Add(2*time.Second))
	}
}

func TestTickerDropsTicksWhileFull(t *testing.T) {
	clock := Fake(epoch)
	ticker := clock.NewTicker(time.Second)

	clock.Advance(3 * time.Second)
	select {
	case tick := <-ticker.C:
		if !tick.Equal(epoch.Add(time.Second)) {
			t.Errorf("tick = %v, want the first interval", tick)
		}
	default:
		t.Fatal("no tick delivered")
	}
	select {
	case tick := <-ticker.C:
		t.Fatalf("unexpected buffered tick %v", tick)
	default:
	}

	clock.Advance(time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker stopped rescheduling")
	}

	ticker.Stop()
	clock.Advance(time.Minute)
	select {
	case tick := <-ticker.C:
		t.Fatalf("tick %v after Stop", tick)
	default:
	}
}

func TestNewTickerPanicsOnNonPositiveInterval(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewTicker(0) did not panic")
		}
	}()
	Fake(epoch).NewTicker(0)
}

func TestWaitForTimers(t *testing.T) {
	clock := Fake(epoch)
	fired := make(chan struct{})
	go clock.AfterFunc(time.Second, func() { close(fired) })

	clock.WaitForTimers(1)
	clock.Advance(time.Second)
	testutil.RequireClosed(t, fired, 5*time.Second, "timer armed by another goroutine")
}

func TestRealClock(t *testing.T) {
	clock := Real()
	fired := make(chan struct{})
	clock.AfterFunc(time.Millisecond, func() { close(fired) })
	testutil.RequireClosed(t, fired, 5*time.Second, "real AfterFunc")
	if !clock.AfterFunc(time.Hour, func() {}).Stop() {
		t.Error("Stop of a pending real timer returned false")
	}
	ticker := clock.NewTicker(time.Millisecond)
	defer ticker.Stop()
	testutil.RequireReceive(t, ticker.C, 5*time.Second, "real ticker tick")
}
