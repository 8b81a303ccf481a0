// Copyright memd Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sources

import (
	"golang.org/x/sys/unix"

	"github.com/memd-io/memd/pkg/errors"
)

// SysInfoValues holds the four fields the engine samples from one sysinfo()
// syscall (§3, §4.3): load1, free RAM, free swap, and process count. Note
// this is deliberately the kernel's sysinfo(2) struct, not /proc/meminfo:
// the original program calls libc's sysinfo(), which the teacher's
// collectors/memory.go does not — that collector parses /proc/meminfo for a
// different, Kubernetes-node-level purpose and isn't a fit here.
type SysInfoValues struct {
	Load1    int64
	FreeRAM  uint64
	FreeSwap uint64
	Procs    uint64
}

// SysInfo is the "system info" sample source (§4.3).
type SysInfo struct {
	// Fake substitutes fixed, deterministic values instead of issuing the
	// syscall, matching the original's Sysinfo::fake_sysinfo() used under
	// -test so integration runs don't depend on the real host's memory
	// pressure (SPEC_FULL supplemented feature #3).
	Fake bool
}

// fakeLoad1, fakeFreeRAM, fakeFreeSwap and fakeProcs are the original's
// fixed test-mode sysinfo values.
const (
	fakeLoad1    int64  = 5
	fakeFreeRAM  uint64 = 42_000_000
	fakeFreeSwap uint64 = 84_000_000
	fakeProcs    uint64 = 1234
)

// Read performs the sysinfo(2) syscall, or returns the fixed fake values
// under test mode.
func (s *SysInfo) Read() (SysInfoValues, error) {
	if s.Fake {
		return SysInfoValues{
			Load1:    fakeLoad1,
			FreeRAM:  fakeFreeRAM,
			FreeSwap: fakeFreeSwap,
			Procs:    fakeProcs,
		}, nil
	}

	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return SysInfoValues{}, errors.IoError("sysinfo.Read", err)
	}
	// Loads[0] is the 1-minute load average as the kernel's fixed-point
	// (<<SI_LOAD_SHIFT) integer, matching libc's raw sysinfo().loads[0].
	return SysInfoValues{
		Load1:    int64(info.Loads[0]),
		FreeRAM:  uint64(info.Freeram) * uint64(info.Unit),
		FreeSwap: uint64(info.Freeswap) * uint64(info.Unit),
		Procs:    uint64(info.Procs),
	}, nil
}
