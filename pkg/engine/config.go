// Copyright memd Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package engine

// Config carries the sampling engine's tunable constants (§4.8), with
// defaults applied the way the teacher's CollectionConfig.ApplyDefaults
// layers production defaults under caller overrides.
type Config struct {
	// SlowPollPeriodMs is how long slow mode sleeps between available-memory
	// checks (default 2000).
	SlowPollPeriodMs int64
	// SamplingPeriodMs is the fast-mode multiplexer wait timeout and the
	// engine's notional sampling cadence (default 100).
	SamplingPeriodMs int64
	// CollectionDelayMs is how far a clip window extends on either side of
	// an interesting event (default 5000).
	CollectionDelayMs int64
	// ClipSpanMs bounds a single (unchained) clip window's duration
	// (default 10000).
	ClipSpanMs int64
	// UnreasonablyLongSleepMs flags abnormally long suspensions between
	// iterations (default 10 * SamplingPeriodMs).
	UnreasonablyLongSleepMs int64
	// MaxClips records the on-disk clip ring size (default 20). The engine
	// does not read it; the ring is sized by whoever builds the
	// clipring.Ring passed to New.
	MaxClips int
	// LowMemSafetyFactor multiplies low_mem_margin for the should_poll_slowly
	// hysteresis (default 3).
	LowMemSafetyFactor int64
	// BufferCapacity is the circular sample buffer's fixed size N, derived
	// as clip_span_seconds * samples_per_second * 2 (default 200, from a
	// 10s span at 10 Hz).
	BufferCapacity int
	// AlwaysPollFast disables the slow-mode hysteresis entirely (CLI flag).
	AlwaysPollFast bool
	// Test enables exit-gracefully termination. The other test-mode
	// behaviors (fake sysinfo values, testing-root path rewriting) are set
	// up by cmd/main.go from the same command-line switch, not by the engine.
	Test bool
}

// ApplyDefaults fills any zero-valued tunable with its spec default,
// matching the teacher's CollectionConfig.ApplyDefaults pattern of layering
// defaults under whatever the caller already populated.
func (c *Config) ApplyDefaults() {
	if c.SlowPollPeriodMs == 0 {
		c.SlowPollPeriodMs = 2000
	}
	if c.SamplingPeriodMs == 0 {
		c.SamplingPeriodMs = 100
	}
	if c.CollectionDelayMs == 0 {
		c.CollectionDelayMs = 5000
	}
	if c.ClipSpanMs == 0 {
		c.ClipSpanMs = 10000
	}
	if c.UnreasonablyLongSleepMs == 0 {
		c.UnreasonablyLongSleepMs = 10 * c.SamplingPeriodMs
	}
	if c.MaxClips == 0 {
		c.MaxClips = 20
	}
	if c.LowMemSafetyFactor == 0 {
		c.LowMemSafetyFactor = 3
	}
	if c.BufferCapacity == 0 {
		c.BufferCapacity = 200
	}
}
