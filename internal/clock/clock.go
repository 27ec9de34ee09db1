// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package clock provides the time collaborator every timeout, back-off and
// staleness check in the coordination core goes through, so tests can
// inject a fake clock instead of racing real wall-clock time.
package clock

import (
	"time"

	fbclock "github.com/facebookgo/clock"
)

// Clock is the narrow time surface the coordination core depends on.
// Every wait, timeout and age comparison in the core (resource acquire,
// response correlation, task execution caps, retry back-off, maintenance
// sweeps) goes through a Clock rather than calling time.Now/time.After
// directly.
type Clock interface {
	// Now returns the current time as seen by this clock.
	Now() time.Time
	// After returns a channel that receives the time once d has elapsed.
	After(d time.Duration) <-chan time.Time
	// Sleep blocks the calling goroutine for d.
	Sleep(d time.Duration)
	// NewTimer returns a timer that fires once after d; callers must Stop
	// it to release resources if it fires early or is cancelled.
	NewTimer(d time.Duration) Timer
}

// Timer mirrors time.Timer's Stop/Reset/C surface so fake clocks can swap
// in a controllable channel.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// Real returns a Clock backed by facebookgo/clock's real clock, which is a
// thin wrapper over the time package.
func Real() Clock {
	return &realClock{inner: fbclock.New()}
}

type realClock struct {
	inner fbclock.Clock
}

func (c *realClock) Now() time.Time                       { return c.inner.Now() }
func (c *realClock) After(d time.Duration) <-chan time.Time { return c.inner.After(d) }
func (c *realClock) Sleep(d time.Duration)                  { c.inner.Sleep(d) }

func (c *realClock) NewTimer(d time.Duration) Timer {
	return &realTimer{t: c.inner.Timer(d)}
}

type realTimer struct {
	t *fbclock.Timer
}

func (t *realTimer) C() <-chan time.Time      { return t.t.C }
func (t *realTimer) Stop() bool                { return t.t.Stop() }
func (t *realTimer) Reset(d time.Duration) bool { return t.t.Reset(d) }

// Fake returns a Clock whose Now/After/Sleep/NewTimer are all driven by an
// explicit Advance call, for deterministic tests of timeouts and
// back-off schedules.
func Fake() *FakeClock {
	return &FakeClock{inner: fbclock.NewMock()}
}

// FakeClock is a Clock implementation tests can advance manually.
type FakeClock struct {
	inner *fbclock.Mock
}

func (c *FakeClock) Now() time.Time                       { return c.inner.Now() }
func (c *FakeClock) After(d time.Duration) <-chan time.Time { return c.inner.After(d) }
func (c *FakeClock) Sleep(d time.Duration)                  { c.inner.Sleep(d) }

func (c *FakeClock) NewTimer(d time.Duration) Timer {
	return &realTimer{t: c.inner.Timer(d)}
}

// Advance moves the fake clock forward by d, firing any timers/afters that
// become due and waking any goroutines blocked in Sleep.
func (c *FakeClock) Advance(d time.Duration) {
	c.inner.Add(d)
}

// Set moves the fake clock to t directly.
func (c *FakeClock) Set(t time.Time) {
	c.inner.Set(t)
}
