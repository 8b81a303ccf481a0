// Copyright memd Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package engine implements the sampling engine (§4.8): the dual-mode
// slow/fast poll state machine that is the hard core of this daemon. It is
// single-threaded and cooperative by design (§5) — every collaborator it
// touches (clock, multiplexer, sample sources, buffer, clip ring, bus) is
// called synchronously from the one goroutine that owns the Engine value;
// nothing here takes a lock because nothing here is shared.
package engine

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/go-logr/logr"

	"github.com/memd-io/memd/pkg/clipring"
	"github.com/memd-io/memd/pkg/clock"
	"github.com/memd-io/memd/pkg/errors"
	"github.com/memd-io/memd/pkg/intake"
	"github.com/memd-io/memd/pkg/readiness"
	"github.com/memd-io/memd/pkg/sample"
	"github.com/memd-io/memd/pkg/sources"
)

// BusSource abstracts the event-intake transport (internal/bus) down to
// what the engine needs: a readiness descriptor to register, and a way to
// pull every payload queued since the last drain. The engine never touches
// gRPC, backoff, or the workqueue directly — those live entirely behind
// this interface, confined to the external-boundary concurrency the teacher
// also isolates its worker goroutines behind (internal/intake/worker.go).
type BusSource interface {
	Fd() int
	Drain() []string
}

// Engine is the sampling engine. All state is private and mutated only by
// SlowPoll/FastPoll, never concurrently (§5, §9 "Global mutable state is
// confined to the engine object").
type Engine struct {
	log logr.Logger
	clk clock.Clock
	cfg Config

	mux       *readiness.Multiplexer
	lowMemMux *readiness.Multiplexer

	buffer *sample.Buffer
	ring   *clipring.Ring

	vmstat    *sources.Vmstat
	runnables *sources.Runnables
	available *sources.Available // nil if the node doesn't exist (§7)
	sysinfo   *sources.SysInfo
	tracePipe *sources.TracePipe
	lowMemFd  int // -1 if the device doesn't exist
	bus       BusSource

	vmstatNames  [sample.VmstatFieldCount]string
	lowMemMargin int64

	currentTimeMs int64
	currentAvail  int64
	haveAvail     bool

	collecting        bool
	inLowMem          bool
	clipStart         int64
	clipEnd           int64
	finalCollectionMs int64
	earliestStartMs   int64

	// ExitRequested is set when an exit-gracefully bus signal arrives
	// under test mode (§4.6); cmd/memd checks this after each FastPoll
	// call and terminates with exit code 0.
	ExitRequested bool
}

// New builds an Engine from its collaborators. All sources are pre-opened
// by the caller (cmd/memd) and held for process lifetime (§5); available,
// tracePipe and the low-mem device may be absent, matching §7's optional-file
// handling. Pass lowMemFd -1 when the device doesn't exist.
func New(
	log logr.Logger,
	clk clock.Clock,
	cfg Config,
	mux *readiness.Multiplexer,
	lowMemMux *readiness.Multiplexer,
	ring *clipring.Ring,
	vmstat *sources.Vmstat,
	runnables *sources.Runnables,
	available *sources.Available,
	sysinfo *sources.SysInfo,
	tracePipe *sources.TracePipe,
	lowMemFd int,
	bus BusSource,
	lowMemMargin int64,
) (*Engine, error) {
	buf, err := sample.NewBuffer(log, cfg.BufferCapacity)
	if err != nil {
		return nil, errors.SetupError("engine.New", err)
	}
	e := &Engine{
		log:          log.WithName("engine"),
		clk:          clk,
		cfg:          cfg,
		mux:          mux,
		lowMemMux:    lowMemMux,
		buffer:       buf,
		ring:         ring,
		vmstat:       vmstat,
		runnables:    runnables,
		available:    available,
		sysinfo:      sysinfo,
		tracePipe:    tracePipe,
		lowMemFd:     lowMemFd,
		bus:          bus,
		vmstatNames:  sources.VmstatNames(vmstat.Fields()),
		lowMemMargin: lowMemMargin,
	}
	e.currentTimeMs = clk.NowMs()
	return e, nil
}

// shouldPollSlowly implements §4.8's hysteresis:
// !collecting && !always_poll_fast && current_available > LOW_MEM_SAFETY_FACTOR*low_mem_margin
func (e *Engine) shouldPollSlowly() bool {
	if e.collecting || e.cfg.AlwaysPollFast {
		return false
	}
	if !e.haveAvail {
		// No available-memory node: the hysteresis has nothing to
		// compare, so fast polling is the conservative default (§7
		// "optional-file absence").
		return false
	}
	return e.currentAvail > e.cfg.LowMemSafetyFactor*e.lowMemMargin
}

// refreshAvailable re-reads the available-memory value if the node exists.
func (e *Engine) refreshAvailable() error {
	if e.available == nil {
		return nil
	}
	v, err := e.available.Read()
	if err != nil {
		return err
	}
	e.currentAvail = v
	e.haveAvail = true
	return nil
}

// enqueueSampleAt fills the next ring slot with a fresh reading of every
// sample field, using timeMs for the sample's uptime. Matching the
// original's enqueue_sample_at_time, every enqueue re-reads runnables,
// sysinfo and vmstat — not just whatever was cached from the last iteration
// — and refreshes the engine's cached clock afterward.
func (e *Engine) enqueueSampleAt(typ sample.Type, timeMs int64) error {
	slot := e.buffer.NextSlot()
	slot.UptimeMs = timeMs
	slot.Type = typ
	slot.AvailableMB = e.currentAvail

	runnables, err := e.runnables.Read()
	if err != nil {
		return err
	}
	slot.Runnables = runnables

	info, err := e.sysinfo.Read()
	if err != nil {
		return err
	}
	slot.Load1 = info.Load1
	slot.FreeRAM = info.FreeRAM
	slot.FreeSwap = info.FreeSwap
	slot.Procs = info.Procs

	vmstatValues, err := e.vmstat.Read()
	if err != nil {
		return err
	}
	slot.VmstatValues = vmstatValues

	e.currentTimeMs = e.clk.NowMs()
	return nil
}

// enqueueSample is enqueueSampleAt using the engine's currently cached
// clock reading.
func (e *Engine) enqueueSample(typ sample.Type) error {
	return e.enqueueSampleAt(typ, e.currentTimeMs)
}

// SlowPoll runs slow mode to completion: sleep, refresh available and
// clock, repeat until should_poll_slowly no longer holds (§4.8). It never
// touches the sample buffer. sleep performs the actual suspension (real
// time.Sleep in production, instant in tests).
func (e *Engine) SlowPoll(sleep func(ms int64)) error {
	e.log.V(1).Info("entering slow poll", "currentTimeMs", e.currentTimeMs)
	for {
		sleep(e.cfg.SlowPollPeriodMs)
		if err := e.refreshAvailable(); err != nil {
			return err
		}
		e.currentTimeMs = e.clk.NowMs()
		if !e.shouldPollSlowly() {
			return nil
		}
	}
}

// FastPoll runs fast mode to completion: one iteration at a time until
// should_poll_slowly holds again, or an exit-gracefully signal arrives
// under test mode (§4.8).
func (e *Engine) FastPoll() error {
	e.earliestStartMs = e.currentTimeMs
	e.log.V(1).Info("entering fast poll", "earliestStartMs", e.earliestStartMs)

	if err := e.enqueueSample(sample.Timer); err != nil {
		return err
	}
	e.inLowMem = false
	e.collecting = false
	e.clipStart = e.currentTimeMs
	e.clipEnd = e.currentTimeMs
	e.finalCollectionMs = e.currentTimeMs

	for {
		if err := e.fastPollIteration(); err != nil {
			return err
		}
		if e.ExitRequested {
			return nil
		}
		if e.shouldPollSlowly() {
			return nil
		}
	}
}

func (e *Engine) fastPollIteration() error {
	interesting := false

	watchStart := e.currentTimeMs
	fired, err := e.mux.Wait(int(e.cfg.SamplingPeriodMs))
	if err != nil {
		return errors.IoError("engine.fastPollIteration: multiplexer wait", err)
	}
	if err := e.refreshAvailable(); err != nil {
		return err
	}
	e.currentTimeMs = e.clk.NowMs()

	// Corrected per spec §9's second open question: the original compares
	// watch_start_time > current_time + UNREASONABLY_LONG_SLEEP, which a
	// monotonic clock can never satisfy. The intended check is how far
	// current_time has advanced past watch_start_time, beyond the wait
	// timeout plus the slack constant.
	if e.currentTimeMs-watchStart > e.cfg.SamplingPeriodMs+e.cfg.UnreasonablyLongSleepMs {
		e.log.Info("woke up after unreasonably long sleep",
			"watchStartMs", watchStart, "currentTimeMs", e.currentTimeMs)
		if err := e.enqueueSample(sample.Sleeper); err != nil {
			return err
		}
	}

	if fired == 0 {
		if err := e.enqueueSample(sample.Timer); err != nil {
			return err
		}
	} else {
		// Source order is fixed: low-mem, then bus, then trace (§5
		// ordering guarantee).
		if e.lowMemFd >= 0 {
			if err := e.pollLowMem(); err != nil {
				return err
			}
		}
		if e.bus != nil && e.mux.HasFired(e.bus.Fd()) {
			ok, err := e.processBusSignals()
			if err != nil {
				return err
			}
			if ok {
				interesting = true
			}
		}
		if e.tracePipe != nil && e.mux.HasFired(e.tracePipe.Fd()) {
			ok, err := e.processOomTraces()
			if err != nil {
				return err
			}
			if ok {
				interesting = true
			}
		}
	}

	if interesting {
		e.finalCollectionMs = e.currentTimeMs + e.cfg.CollectionDelayMs
		if e.collecting {
			if e.clipEnd < e.clipStart+e.cfg.ClipSpanMs {
				e.clipEnd = min64(e.finalCollectionMs, e.clipStart+e.cfg.ClipSpanMs)
			}
		} else {
			e.collecting = true
			e.clipStart = max64(e.earliestStartMs, e.currentTimeMs-e.cfg.CollectionDelayMs)
			e.clipEnd = e.currentTimeMs + e.cfg.CollectionDelayMs
		}
	}

	if e.collecting && e.currentTimeMs > e.clipEnd-e.cfg.SamplingPeriodMs {
		if err := e.persistClip(); err != nil {
			return err
		}
		e.collecting = false
		e.earliestStartMs = e.clipEnd
		if e.finalCollectionMs > e.clipEnd {
			e.clipStart = e.clipEnd
			e.clipEnd = e.finalCollectionMs
			e.collecting = true
			if e.currentTimeMs > e.clipEnd {
				e.log.Info("heavy slowdown: postponing collection of chained clip",
					"clipStart", e.clipStart, "clipEnd", e.clipEnd, "currentTimeMs", e.currentTimeMs)
			}
		}
	}

	return nil
}

// pollLowMem handles the level-triggered low-mem device (§4.8): a
// false-to-true firing in the main multiplexer opens the low-mem window and
// moves detection to the dedicated zero-timeout multiplexer; once that
// reports zero readiness, the window closes and the device is re-registered
// with the main multiplexer.
func (e *Engine) pollLowMem() error {
	if !e.inLowMem {
		if !e.mux.HasFired(e.lowMemFd) {
			return nil
		}
		e.log.V(1).Info("entering low mem", "currentTimeMs", e.currentTimeMs)
		e.inLowMem = true
		if err := e.enqueueSample(sample.EnterLowMem); err != nil {
			return err
		}
		return e.mux.Unregister(e.lowMemFd)
	}

	n, err := e.lowMemMux.Wait(0)
	if err != nil {
		return errors.IoError("engine.pollLowMem: dedicated multiplexer wait", err)
	}
	if n != 0 {
		return nil
	}
	e.currentTimeMs = e.clk.NowMs()
	e.log.V(1).Info("leaving low mem", "currentTimeMs", e.currentTimeMs)
	e.inLowMem = false
	if err := e.enqueueSample(sample.LeaveLowMem); err != nil {
		return err
	}
	return e.mux.Register(e.lowMemFd)
}

// processBusSignals drains and decodes every queued bus payload (§4.6),
// returning whether at least one sample was enqueued (making the iteration
// interesting).
func (e *Engine) processBusSignals() (bool, error) {
	interesting := false
	for _, payload := range e.bus.Drain() {
		decoded := intake.DecodeBusSignal(payload)
		switch decoded.Action {
		case intake.ActionEnqueue:
			if err := e.enqueueSample(decoded.Type); err != nil {
				return false, err
			}
			interesting = true
		case intake.ActionExitGracefully:
			if e.cfg.Test {
				e.ExitRequested = true
			} else {
				e.log.Info("ignoring exit-gracefully outside test mode")
			}
		case intake.ActionIgnore:
			e.log.V(1).Info("ignoring unrecognized bus payload", "payload", payload)
		}
	}
	return interesting, nil
}

// processOomTraces parses the trace pipe for oom_kill_process occurrences
// and enqueues the two samples per occurrence described in §4.6, returning
// whether any occurrence was found.
func (e *Engine) processOomTraces() (bool, error) {
	events, err := e.tracePipe.Poll()
	if err != nil {
		return false, err
	}
	for _, ev := range events {
		reportedMs := int64(math.Round(ev.ReportedSeconds * 1000))
		if err := e.enqueueSampleAt(sample.OomKillKernel, reportedMs); err != nil {
			return false, err
		}
		if err := e.enqueueSample(sample.OomKillTrace); err != nil {
			return false, err
		}
	}
	return len(events) > 0, nil
}

// persistClip writes every buffered sample since e.clipStart to the next
// clip file (§4.7): a local-date-time line, the fixed header line, then one
// formatted line per sample. It resets the buffer once the clip has been
// written so the next window starts clean.
func (e *Engine) persistClip() error {
	clipStart := e.clipStart
	path, err := e.ring.WriteClip(func(f *os.File) error {
		if _, err := fmt.Fprintln(f, time.Now().Format(time.RFC3339)); err != nil {
			return err
		}
		if _, err := fmt.Fprintln(f, sample.HeaderLine(e.vmstatNames)); err != nil {
			return err
		}
		var writeErr error
		e.buffer.EmitSince(clipStart, func(s *sample.Sample) {
			if writeErr != nil {
				return
			}
			_, writeErr = fmt.Fprintln(f, s.Format())
		})
		return writeErr
	})
	if err != nil {
		return err
	}
	e.log.V(1).Info("persisted clip", "path", path, "clipStartMs", clipStart)
	e.buffer.Reset()
	return nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
