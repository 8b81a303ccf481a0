// Copyright memd Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package sample defines the in-memory measurement record the engine
// collects, and its on-the-wire text serialization. It is the Go analogue of
// the teacher's pkg/performance/types.go metric structs, narrowed to the one
// fixed-shape record this daemon ever produces.
package sample

import "fmt"

// Type tags the kind of event a Sample records. Every variant has a fixed,
// at-most-6-character textual name used in clip output (§4.4).
type Type int

const (
	Uninitialized Type = iota
	Timer
	EnterLowMem
	LeaveLowMem
	OomKillBrowser
	OomKillKernel
	OomKillTrace
	TabDiscard
	Sleeper
	Unknown
)

// names is indexed by Type; keep in lockstep with the const block above.
var names = [...]string{
	Uninitialized:  "uninit",
	Timer:          "timer",
	EnterLowMem:    "entrlm",
	LeaveLowMem:    "leavlm",
	OomKillBrowser: "oomkb",
	OomKillKernel:  "oomkk",
	OomKillTrace:   "oomkt",
	TabDiscard:     "tabdis",
	Sleeper:        "sleepr",
	Unknown:        "unk",
}

func (t Type) String() string {
	if int(t) < 0 || int(t) >= len(names) {
		return "unk"
	}
	return names[t]
}

// VmstatFieldCount is the number of vmstat counters carried per sample
// (§3, §6): nr_pages_scanned, pswpin, pswpout, pgalloc_{dma,dma32},
// pgalloc_normal, pgmajfault, pgmajfault_f.
const VmstatFieldCount = 7

// Sample is one measurement. Zero value is the Uninitialized variant with
// all-zero fields, matching a freshly-allocated ring slot before next_slot
// assigns it a type.
type Sample struct {
	UptimeMs     int64
	Type         Type
	Load1        int64
	FreeRAM      uint64
	FreeSwap     uint64
	Procs        uint64
	Runnables    int64
	AvailableMB  int64
	VmstatValues [VmstatFieldCount]uint64
}

// Format renders the sample as the single space-separated output line
// described in §4.4:
//
//	<sec>.<cs> <type6> <load1> <freeram> <freeswap> <procs> <runnables> <available> <v0>..<v6>
func (s *Sample) Format() string {
	sec := s.UptimeMs / 1000
	cs := (s.UptimeMs % 1000) / 10
	out := fmt.Sprintf("%d.%02d %s %d %d %d %d %d %d",
		sec, cs, s.Type.String(), s.Load1, s.FreeRAM, s.FreeSwap, s.Procs, s.Runnables, s.AvailableMB)
	for _, v := range s.VmstatValues {
		out += fmt.Sprintf(" %d", v)
	}
	return out
}

// HeaderLine is the fixed header line written once at the top of every clip
// file, per §6. vmstatNames is the platform-specific ordered name list
// (§4.3).
func HeaderLine(vmstatNames [VmstatFieldCount]string) string {
	out := "uptime type load freeram freeswap procs runnables available"
	for _, n := range vmstatNames {
		out += " " + n
	}
	return out
}
