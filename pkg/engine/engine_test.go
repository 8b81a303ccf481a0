// Copyright memd Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package engine

import (
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/memd-io/memd/pkg/clipring"
	"github.com/memd-io/memd/pkg/clock"
	"github.com/memd-io/memd/pkg/readiness"
	"github.com/memd-io/memd/pkg/sample"
	"github.com/memd-io/memd/pkg/sources"
)

// byteReader satisfies sources.Reader over an in-memory fixed buffer, the
// same fake used by pkg/sources' own tests.
type byteReader struct{ data []byte }

func (r *byteReader) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(r.data)) {
		return 0, nil
	}
	n := copy(p, r.data[off:])
	return n, nil
}

func vmstatContent() []byte {
	fields := sources.VmstatFields()
	var b strings.Builder
	for i, f := range fields {
		b.WriteString(f.Name)
		b.WriteString(" ")
		b.WriteString(strconv.Itoa(100 + i))
		b.WriteString("\n")
	}
	return []byte(b.String())
}

// fakeBus is a minimal BusSource backed by a real pipe for readiness
// registration; payloads are queued directly rather than parsed from the
// pipe's bytes, matching how internal/bus hands the engine already-decoded
// signal payloads.
type fakeBus struct {
	readFd, writeFd int
	queued          []string
}

func newFakeBus(t *testing.T) *fakeBus {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	require.NoError(t, unix.SetNonblock(fds[0], true))
	return &fakeBus{readFd: fds[0], writeFd: fds[1]}
}

func (b *fakeBus) Fd() int { return b.readFd }

func (b *fakeBus) Drain() []string {
	out := b.queued
	b.queued = nil
	return out
}

// signal marks the bus fd readable and queues payload for the next Drain.
// Callers should follow up with clearReadiness once the iteration that
// should observe the signal has run, so later iterations don't see it fire
// again.
func (b *fakeBus) signal(t *testing.T, payload string) {
	t.Helper()
	b.queued = append(b.queued, payload)
	_, err := unix.Write(b.writeFd, []byte{0})
	require.NoError(t, err)
}

func (b *fakeBus) clearReadiness(t *testing.T) {
	t.Helper()
	var buf [8]byte
	for {
		n, err := unix.Read(b.readFd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (b *fakeBus) close() {
	unix.Close(b.readFd)
	unix.Close(b.writeFd)
}

type testEngine struct {
	e   *Engine
	clk *clock.Fake
	dir string
	bus *fakeBus
}

func newTestEngine(t *testing.T, withBus bool) *testEngine {
	t.Helper()
	log := testr.New(t)

	mux, err := readiness.New(log)
	require.NoError(t, err)
	t.Cleanup(func() { mux.Close() })
	lowMemMux, err := readiness.New(log)
	require.NoError(t, err)
	t.Cleanup(func() { lowMemMux.Close() })

	dir := t.TempDir()
	ring := clipring.New(log, dir, clipring.MaxClips)
	require.NoError(t, ring.RecoverCounter())

	vmstat := sources.NewVmstat(&byteReader{data: vmstatContent()})
	runnables := sources.NewRunnables(&byteReader{data: []byte("0.52 0.58 0.59 3/512 1234\n")})
	available := sources.NewAvailable(&byteReader{data: []byte("1500\n")})
	sysinfo := &sources.SysInfo{Fake: true}

	// Spec defaults apart from a smaller buffer. A readiness wait that finds
	// a registered descriptor readable, or has no members, returns at once;
	// a wait whose registered descriptors are all quiet blocks for the real
	// sampling period.
	cfg := Config{
		MaxClips:       clipring.MaxClips,
		BufferCapacity: 64,
		Test:           true,
	}
	cfg.ApplyDefaults()

	clk := clock.NewFake(0)

	var bus *fakeBus
	var busSource BusSource
	if withBus {
		bus = newFakeBus(t)
		t.Cleanup(bus.close)
		busSource = bus
		require.NoError(t, mux.Register(bus.Fd()))
	}

	e, err := New(log, clk, cfg, mux, lowMemMux, ring, vmstat, runnables, available, sysinfo,
		nil, -1, busSource, 100)
	require.NoError(t, err)

	return &testEngine{e: e, clk: clk, dir: dir, bus: bus}
}

func TestFastPollIterationTimerOnly(t *testing.T) {
	te := newTestEngine(t, false)
	e := te.e

	require.NoError(t, e.enqueueSample(sample.Timer))
	for i := 0; i < 9; i++ {
		te.clk.Advance(100)
		require.NoError(t, e.fastPollIteration())
	}

	assert.Equal(t, 10, e.buffer.Len())
	assert.False(t, e.collecting)
}

func TestSingleTabDiscardOpensAndClosesWindow(t *testing.T) {
	te := newTestEngine(t, true)
	e := te.e

	te.clk.Set(10_000)
	require.NoError(t, e.enqueueSample(sample.Timer))
	e.earliestStartMs = 10_000

	// t=10_250: signal tab-discard.
	te.clk.Set(10_240)
	te.bus.signal(t, "tab-discard")
	te.clk.Set(10_250)
	require.NoError(t, e.fastPollIteration())
	te.bus.clearReadiness(t)

	require.True(t, e.collecting)
	assert.Equal(t, int64(10_000), e.clipStart)
	assert.Equal(t, int64(15_250), e.clipEnd)

	// Advance to just past clipEnd - SamplingPeriodMs to trigger persist.
	te.clk.Set(15_245)
	require.NoError(t, e.fastPollIteration())

	assert.False(t, e.collecting)
	entries, err := os.ReadDir(te.dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "memd.clip000.log", entries[0].Name())

	content, err := os.ReadFile(te.dir + "/" + entries[0].Name())
	require.NoError(t, err)
	assert.Contains(t, string(content), "tabdis")
}

func TestBackToBackEventsExtendAndChainWindow(t *testing.T) {
	te := newTestEngine(t, true)
	e := te.e

	te.clk.Set(20_000)
	require.NoError(t, e.enqueueSample(sample.Timer))
	e.earliestStartMs = 15_000
	e.collecting = false
	e.clipStart = 20_000
	e.clipEnd = 20_000
	e.finalCollectionMs = 20_000

	te.bus.signal(t, "tab-discard")
	require.NoError(t, e.fastPollIteration())
	te.bus.clearReadiness(t)

	require.True(t, e.collecting)
	assert.Equal(t, int64(15_000), e.clipStart)
	assert.Equal(t, int64(25_000), e.clipEnd)

	te.clk.Set(23_000)
	te.bus.signal(t, "oom-kill")
	require.NoError(t, e.fastPollIteration())
	te.bus.clearReadiness(t)

	assert.Equal(t, int64(15_000), e.clipStart)
	assert.Equal(t, int64(25_000), e.clipEnd)
	assert.Equal(t, int64(28_000), e.finalCollectionMs)

	// Past clipEnd - SamplingPeriodMs: the first clip is written and a
	// successor window is chained from its end to finalCollectionMs.
	te.clk.Set(24_950)
	require.NoError(t, e.fastPollIteration())

	entries, err := os.ReadDir(te.dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, e.collecting)
	assert.Equal(t, int64(25_000), e.clipStart)
	assert.Equal(t, int64(28_000), e.clipEnd)
}

func TestKernelOomViaTracePipe(t *testing.T) {
	te := newTestEngine(t, false)
	e := te.e

	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	require.NoError(t, unix.SetNonblock(fds[0], true))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	e.tracePipe = sources.NewTracePipe(fds[0])
	require.NoError(t, e.mux.Register(fds[0]))

	line := "chrome-13700 [001] .... 867348.061651: oom_kill_process <-out_of_memory\n"
	_, err := unix.Write(fds[1], []byte(line))
	require.NoError(t, err)

	te.clk.Set(867_348_061)
	// Keep the engine's cached clock in step with the jump so it is not
	// taken for an unreasonably long sleep (which would add a sleeper sample).
	e.currentTimeMs = te.clk.NowMs()
	require.NoError(t, e.fastPollIteration())

	require.True(t, e.collecting)
	assert.Equal(t, 2, e.buffer.Len())
}

func TestLowMemoryTransition(t *testing.T) {
	te := newTestEngine(t, false)
	e := te.e

	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	require.NoError(t, unix.SetNonblock(fds[0], true))
	e.lowMemFd = fds[0]
	require.NoError(t, e.mux.Register(fds[0]))
	// §4.9: the low-mem device is registered in both the main multiplexer
	// and the dedicated one.
	require.NoError(t, e.lowMemMux.Register(fds[0]))

	// Device becomes readable at t=5000.
	_, err := unix.Write(fds[1], []byte{1})
	require.NoError(t, err)
	te.clk.Set(5_000)
	// Keep the engine's cached clock in step with each jump so it is not
	// taken for an unreasonably long sleep (which would add a sleeper sample).
	e.currentTimeMs = te.clk.NowMs()
	require.NoError(t, e.fastPollIteration())

	assert.True(t, e.inLowMem)
	assert.Equal(t, 1, e.buffer.Len())

	// Drain the device without closing the write end: the pipe reporting
	// EAGAIN on an empty, still-open read end is what stands in for the
	// sysfs node no longer asserting; closing the write end would instead
	// report EOF/HUP, which epoll treats as readable and would never let
	// the dedicated multiplexer report zero readiness.
	var drain [8]byte
	unix.Read(fds[0], drain[:])

	// Per §4.8 step 4, low-mem handling is only reached when the main
	// multiplexer's wait reports at least one ready descriptor overall;
	// with the device itself unregistered while in_low_mem, something
	// else must wake the wait for the leave transition to be noticed.
	// A dummy registered descriptor stands in for that "something else"
	// (in production: the bus or trace pipe).
	var wake [2]int
	require.NoError(t, unix.Pipe(wake[:]))
	defer unix.Close(wake[0])
	defer unix.Close(wake[1])
	require.NoError(t, unix.SetNonblock(wake[0], true))
	require.NoError(t, e.mux.Register(wake[0]))
	_, err = unix.Write(wake[1], []byte{1})
	require.NoError(t, err)

	te.clk.Set(7_200)
	e.currentTimeMs = te.clk.NowMs()
	require.NoError(t, e.fastPollIteration())

	assert.False(t, e.inLowMem)
	assert.Equal(t, 2, e.buffer.Len())
}
