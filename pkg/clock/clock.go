// Copyright memd Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package clock provides the monotonic millisecond clock the sampling engine
// times everything against. All of memd's scheduling decisions (poll
// periods, clip spans, the "unreasonably long sleep" check) are expressed in
// milliseconds since an arbitrary epoch, never wall-clock time, so that NTP
// step adjustments and DST changes can't perturb them.
package clock

import "golang.org/x/sys/unix"

// Clock reads CLOCK_MONOTONIC. It is an interface so tests can substitute a
// fake without touching the syscall.
type Clock interface {
	// NowMs returns milliseconds since an arbitrary, monotonically
	// increasing epoch.
	NowMs() int64
}

// System is the real Clock, backed by unix.ClockGettime(CLOCK_MONOTONIC).
type System struct{}

var _ Clock = System{}

func (System) NowMs() int64 {
	var ts unix.Timespec
	// CLOCK_MONOTONIC never fails for a valid timespec pointer on Linux;
	// if it somehow did, returning zero keeps the engine alive rather than
	// panicking for a non-fatal clock hiccup.
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return ts.Sec*1000 + ts.Nsec/1_000_000
}

// Fake is a Clock for tests: NowMs returns a settable value that the test
// advances explicitly, mirroring the original's test harness which freezes
// time between engine steps.
type Fake struct {
	ms int64
}

var _ Clock = (*Fake)(nil)

// NewFake returns a Fake clock starting at startMs.
func NewFake(startMs int64) *Fake {
	return &Fake{ms: startMs}
}

func (f *Fake) NowMs() int64 { return f.ms }

// Advance moves the fake clock forward by deltaMs (deltaMs may be negative
// only in tests deliberately exercising clock skew; the engine never does
// this itself).
func (f *Fake) Advance(deltaMs int64) { f.ms += deltaMs }

// Set pins the fake clock to an absolute value.
func (f *Fake) Set(ms int64) { f.ms = ms }
