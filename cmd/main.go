// Copyright memd Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Command memd is the external boundary (§4.9, §6): CLI flags, path
// wiring, opening every long-lived descriptor, tracing setup, and the
// top-level slow/fast poll loop. It contains no sampling logic of its
// own — everything here is plumbing that hands collaborators to
// pkg/engine.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/memd-io/memd/internal/bus"
	"github.com/memd-io/memd/internal/paths"
	"github.com/memd-io/memd/pkg/clipring"
	"github.com/memd-io/memd/pkg/clock"
	"github.com/memd-io/memd/pkg/engine"
	"github.com/memd-io/memd/pkg/errors"
	"github.com/memd-io/memd/pkg/readiness"
	"github.com/memd-io/memd/pkg/sources"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "memd: "+err.Error())
		if errors.IsFatal(err) {
			os.Exit(1)
		}
	}
}

// run parses arguments, wires every collaborator, and runs the daemon
// forever (or, under -test, until an exit-gracefully bus signal). It
// returns nil only for that test-mode exit; every other return is a fatal
// error destined for a non-zero exit code (§7).
func run(argv []string) error {
	cfg, err := parseArgs(argv)
	if err != nil {
		return err
	}

	zapLog, err := newZapLogger(cfg.Test)
	if err != nil {
		return errors.SetupError("main: zap logger", err)
	}
	defer zapLog.Sync() //nolint:errcheck
	log := zapr.NewLogger(zapLog).WithName("memd")

	p := paths.New(cfg.Test)
	if err := os.MkdirAll(p.LogDir, 0o755); err != nil {
		return errors.SetupError("main: create log dir", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, closeAll, err := wire(ctx, log, p, cfg)
	if err != nil {
		return err
	}
	defer closeAll()

	if err := logStaticParameters(p, d.margin); err != nil {
		return err
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return runLoop(d.eng)
	})
	return g.Wait()
}

// args holds the two boolean switches §6 allows, plus the bus address,
// which is fixed (no argument sets it). Any other argument is a fatal
// SetupError, matching the original's panic!("usage: ...").
type args struct {
	Test           bool
	AlwaysPollFast bool
	BusAddress     string
}

func parseArgs(argv []string) (args, error) {
	var a args
	a.BusAddress = "localhost:7637"
	for _, arg := range argv {
		switch arg {
		case "test":
			a.Test = true
		case "always-poll-fast":
			a.AlwaysPollFast = true
		default:
			return args{}, errors.SetupError("main: parseArgs",
				fmt.Errorf("unknown argument %q (usage: memd [test|always-poll-fast]*)", arg))
		}
	}
	return a, nil
}

func newZapLogger(test bool) (*zap.Logger, error) {
	if test {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// daemon holds what run needs once wire has finished: the Engine and the
// low-mem margin read at startup. The opened resources are released by the
// closer wire returns alongside it.
type daemon struct {
	eng    *engine.Engine
	margin int64
}

// wire opens every long-lived file and descriptor (§4.9 "open all
// long-lived files... register descriptors in the main multiplexer"),
// recovers the clip ring counter, and builds the Engine. The returned
// closer releases every opened resource; callers should defer it
// immediately.
func wire(ctx context.Context, log logr.Logger, p paths.Paths, a args) (*daemon, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	mux, err := readiness.New(log)
	if err != nil {
		return nil, closeAll, err
	}
	closers = append(closers, func() { mux.Close() })

	lowMemMux, err := readiness.New(log)
	if err != nil {
		return nil, closeAll, err
	}
	closers = append(closers, func() { lowMemMux.Close() })

	vmstatFile, err := os.Open(p.Vmstat)
	if err != nil {
		return nil, closeAll, errors.SetupError("main: open vmstat", err)
	}
	closers = append(closers, func() { vmstatFile.Close() })
	vmstat := sources.NewVmstat(vmstatFile)

	loadavgFile, err := os.Open(p.Loadavg)
	if err != nil {
		return nil, closeAll, errors.SetupError("main: open loadavg", err)
	}
	closers = append(closers, func() { loadavgFile.Close() })
	runnables := sources.NewRunnables(loadavgFile)

	// available and the low-mem margin are optional: absence is recorded
	// and steady-state code tests presence before reading (§7).
	var available *sources.Available
	if availFile, err := os.Open(p.LowMemAvail); err == nil {
		closers = append(closers, func() { availFile.Close() })
		available = sources.NewAvailable(availFile)
	} else if !os.IsNotExist(err) {
		return nil, closeAll, errors.SetupError("main: open low-mem available", err)
	}

	var margin int64
	if marginFile, err := os.Open(p.LowMemMargin); err == nil {
		defer marginFile.Close()
		margin, err = sources.Margin(marginFile)
		if err != nil {
			return nil, closeAll, err
		}
	} else if !os.IsNotExist(err) {
		return nil, closeAll, errors.SetupError("main: open low-mem margin", err)
	}

	sysinfo := &sources.SysInfo{Fake: a.Test}

	lowMemFd := -1
	if fd, err := unix.Open(p.LowMemDevice, unix.O_RDONLY|unix.O_NONBLOCK, 0); err == nil {
		lowMemFd = fd
		closers = append(closers, func() { unix.Close(fd) })
		if err := mux.Register(fd); err != nil {
			return nil, closeAll, err
		}
		if err := lowMemMux.Register(fd); err != nil {
			return nil, closeAll, err
		}
	} else if !os.IsNotExist(err) {
		return nil, closeAll, errors.SetupError("main: open low-mem device", err)
	}

	if err := setupTracing(p); err != nil {
		return nil, closeAll, err
	}
	traceFd, err := unix.Open(p.TracePipe, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, closeAll, errors.SetupError("main: open trace pipe", err)
	}
	closers = append(closers, func() { unix.Close(traceFd) })
	tracePipe := sources.NewTracePipe(traceFd)
	if err := mux.Register(traceFd); err != nil {
		return nil, closeAll, err
	}

	busClient, err := bus.Connect(ctx, log, a.BusAddress)
	if err != nil {
		return nil, closeAll, err
	}
	closers = append(closers, func() { busClient.Close() })
	if err := mux.Register(busClient.Fd()); err != nil {
		return nil, closeAll, err
	}

	ring := clipring.New(log, p.LogDir, clipring.MaxClips)
	if err := ring.RecoverCounter(); err != nil {
		return nil, closeAll, err
	}

	engCfg := engine.Config{
		AlwaysPollFast: a.AlwaysPollFast,
		Test:           a.Test,
	}
	engCfg.ApplyDefaults()

	eng, err := engine.New(log, clock.System{}, engCfg, mux, lowMemMux, ring,
		vmstat, runnables, available, sysinfo, tracePipe, lowMemFd, busClient, margin)
	if err != nil {
		return nil, closeAll, err
	}

	return &daemon{eng: eng, margin: margin}, closeAll, nil
}

// setupTracing enables ftrace's oom_kill_process filter and turns tracing
// on, the "tracing-subsystem setup sequence" spec §1 carves out as external
// plumbing with no algorithmic content: the filter restricts the trace
// pipe to the one event the engine parses, so every iteration's read does
// not have to wade through unrelated kernel trace noise.
func setupTracing(p paths.Paths) error {
	writes := []struct{ path, value string }{
		{p.CurrentTracer, "nop"},
		{p.SetFtraceFilter, "oom_kill_process"},
		{p.TracingEnabled, "1"},
		{p.TracingOn, "1"},
	}
	for _, w := range writes {
		if err := os.WriteFile(w.path, []byte(w.value), 0o200); err != nil {
			return errors.SetupError("main: setupTracing: write "+w.path, err)
		}
	}
	return nil
}

// logStaticParameters performs the one-shot dump of static tunables at
// startup (§4.9): reads the three /proc/sys/vm tunables and the zoneinfo
// watermarks, then writes engine.LogStaticParameters's fixed-format log.
// margin is the value wire already read once from sysfs (§4.8 "read once at
// startup").
func logStaticParameters(p paths.Paths, margin int64) error {
	minFilelistKB, err := sources.ReadVMInt(p.VMSysctl("min_filelist_kbytes"))
	if err != nil {
		return err
	}
	minFreeKB, err := sources.ReadVMInt(p.VMSysctl("min_free_kbytes"))
	if err != nil {
		return err
	}
	extraFreeKB, err := sources.ReadVMInt(p.VMSysctl("extra_free_kbytes"))
	if err != nil {
		return err
	}

	zoneinfoFile, err := os.Open(p.Zoneinfo)
	if err != nil {
		return errors.SetupError("main: open zoneinfo", err)
	}
	defer zoneinfoFile.Close()
	wm, err := sources.ReadWatermarks(zoneinfoFile)
	if err != nil {
		return err
	}

	return engine.LogStaticParameters(p.ParametersFile, margin, minFilelistKB, minFreeKB, extraFreeKB, wm)
}

// runLoop alternates slow-poll and fast-poll forever (§4.9 "loop forever
// alternating slow-poll then fast-poll"), returning only on a fatal error
// or, in test mode, an exit-gracefully bus signal.
func runLoop(eng *engine.Engine) error {
	for {
		if err := eng.SlowPoll(sleepMs); err != nil {
			return err
		}
		if err := eng.FastPoll(); err != nil {
			return err
		}
		if eng.ExitRequested {
			return nil
		}
	}
}

// sleepMs is the real suspension SlowPoll sleeps for between
// available-memory checks (§4.8).
func sleepMs(ms int64) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}
