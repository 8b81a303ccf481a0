// Copyright memd Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package paths bundles the daemon's fixed filesystem paths (§6) and
// implements the test-mode rewriting that roots every path under
// ./testing-root, grounded on the original's test_filename helper and
// make_paths! macro.
package paths

import "path/filepath"

// Paths is every fixed filesystem path memd touches, optionally rewritten
// under a test root (§6).
type Paths struct {
	Vmstat       string
	Loadavg      string
	Zoneinfo     string
	VMSysctlDir  string
	LowMemAvail  string
	LowMemMargin string
	LowMemDevice string

	TracingDir           string
	CurrentTracer        string
	SetFtraceFilter      string
	TracingEnabled       string
	TracingOn            string
	TracePipe            string

	LogDir         string
	ParametersFile string
}

// testRoot is prepended to every path in test mode (§6).
const testRoot = "./testing-root"

// New returns the production Paths, each optionally rewritten under
// testRoot when test is true.
func New(test bool) Paths {
	p := Paths{
		Vmstat:      "/proc/vmstat",
		Loadavg:     "/proc/loadavg",
		Zoneinfo:    "/proc/zoneinfo",
		VMSysctlDir: "/proc/sys/vm",

		LowMemAvail:  "/sys/kernel/mm/chromeos-low_mem/available",
		LowMemMargin: "/sys/kernel/mm/chromeos-low_mem/margin",
		LowMemDevice: "/dev/chromeos-low-mem",

		TracingDir:      "/sys/kernel/debug/tracing",
		CurrentTracer:   "/sys/kernel/debug/tracing/current_tracer",
		SetFtraceFilter: "/sys/kernel/debug/tracing/set_ftrace_filter",
		TracingEnabled:  "/sys/kernel/debug/tracing/tracing_enabled",
		TracingOn:       "/sys/kernel/debug/tracing/tracing_on",
		TracePipe:       "/sys/kernel/debug/tracing/trace_pipe",

		LogDir:         "/var/log/memd",
		ParametersFile: "/var/log/memd/memd.parameters",
	}
	if !test {
		return p
	}
	return Paths{
		Vmstat:      rewrite(p.Vmstat),
		Loadavg:     rewrite(p.Loadavg),
		Zoneinfo:    rewrite(p.Zoneinfo),
		VMSysctlDir: rewrite(p.VMSysctlDir),

		LowMemAvail:  rewrite(p.LowMemAvail),
		LowMemMargin: rewrite(p.LowMemMargin),
		LowMemDevice: rewrite(p.LowMemDevice),

		TracingDir:      rewrite(p.TracingDir),
		CurrentTracer:   rewrite(p.CurrentTracer),
		SetFtraceFilter: rewrite(p.SetFtraceFilter),
		TracingEnabled:  rewrite(p.TracingEnabled),
		TracingOn:       rewrite(p.TracingOn),
		TracePipe:       rewrite(p.TracePipe),

		LogDir:         rewrite(p.LogDir),
		ParametersFile: rewrite(p.ParametersFile),
	}
}

// rewrite roots an absolute production path under testRoot, the same way
// the original's test_filename prepends a fixed prefix to every fixed path
// string when running under -test.
func rewrite(p string) string {
	return filepath.Join(testRoot, p)
}

// VMSysctl returns the path of one tunable file under VMSysctlDir, e.g.
// "min_free_kbytes".
func (p Paths) VMSysctl(name string) string {
	return filepath.Join(p.VMSysctlDir, name)
}
