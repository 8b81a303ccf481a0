// Copyright memd Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package sources implements the engine's sample sources (§4.3): thin
// readers over long-lived file descriptors for vmstat, loadavg, the
// low-memory sysfs node, and the kernel's sysinfo() call. Each mirrors the
// read-one-page, parse-in-place style the teacher's collectors use
// (pkg/performance/collectors/load.go, memory.go), but reads a pre-opened
// *os.File repeatedly instead of opening fresh per call, since the spec
// requires every long-lived file to be opened once and held for process
// lifetime (§5).
package sources

import (
	"fmt"
	"runtime"

	"github.com/memd-io/memd/pkg/errors"
	"github.com/memd-io/memd/pkg/sample"
)

// VmstatFieldName is one entry in the platform-specific ordered counter
// list (§4.3). Optional counters contribute 0 when absent; all others are
// mandatory and a hard parse error when missing.
type VmstatFieldName struct {
	Name     string
	Optional bool
}

// VmstatFields returns the ordered, platform-specific list of vmstat
// counters to extract, per §4.3: pgalloc_dma32 on x86_64, pgalloc_dma on
// 32-bit ARM and AArch64.
func VmstatFields() [sample.VmstatFieldCount]VmstatFieldName {
	allocName := "pgalloc_dma32"
	if runtime.GOARCH == "arm" || runtime.GOARCH == "arm64" {
		allocName = "pgalloc_dma"
	}
	return [sample.VmstatFieldCount]VmstatFieldName{
		{Name: "nr_pages_scanned"},
		{Name: "pswpin"},
		{Name: "pswpout"},
		{Name: allocName},
		{Name: "pgalloc_normal"},
		{Name: "pgmajfault"},
		{Name: "pgmajfault_f", Optional: true},
	}
}

// VmstatNames returns just the names, in order, for clip header rendering.
func VmstatNames(fields [sample.VmstatFieldCount]VmstatFieldName) [sample.VmstatFieldCount]string {
	var names [sample.VmstatFieldCount]string
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

// pageSize caps a single vmstat read; the file is never larger than one
// page in practice (§4.3).
const pageSize = 4096

// Vmstat reads /proc/vmstat repeatedly from a long-lived, pre-opened
// descriptor.
type Vmstat struct {
	r      Reader
	fields [sample.VmstatFieldCount]VmstatFieldName
}

// Reader is satisfied by *os.File; it's narrowed to ReadAt so tests can
// substitute an in-memory fake without a real file.
type Reader interface {
	ReadAt(p []byte, off int64) (int, error)
}

// NewVmstat wraps r, an already-opened handle on vmstat, using the
// platform's field list.
func NewVmstat(r Reader) *Vmstat {
	return &Vmstat{r: r, fields: VmstatFields()}
}

// Fields exposes the field list in use, for clip header rendering.
func (v *Vmstat) Fields() [sample.VmstatFieldCount]VmstatFieldName { return v.fields }

// Read parses the seven counters in declared order. Names are searched
// in-order within the remaining buffer, each match's value taken as the
// first contiguous ASCII-decimal run following the first space after the
// name; position advances past each match to preserve ordering (§4.3).
func (v *Vmstat) Read() ([sample.VmstatFieldCount]uint64, error) {
	var out [sample.VmstatFieldCount]uint64

	buf := make([]byte, pageSize)
	n, err := v.r.ReadAt(buf, 0)
	if err != nil && n == 0 {
		return out, errors.IoError("vmstat.Read", err)
	}
	buf = buf[:n]

	pos := 0
	for i, field := range v.fields {
		idx := indexOf(buf[pos:], field.Name)
		if idx < 0 {
			if field.Optional {
				out[i] = 0
				continue
			}
			return out, errors.ParseError("vmstat.Read",
				fmt.Errorf("mandatory counter %q not found", field.Name))
		}
		absolute := pos + idx
		val, consumed, ok := decimalAfterSpace(buf[absolute+len(field.Name):])
		if !ok {
			return out, errors.ParseError("vmstat.Read",
				fmt.Errorf("counter %q: no decimal value found", field.Name))
		}
		out[i] = val
		pos = absolute + len(field.Name) + consumed
	}
	return out, nil
}

// indexOf is a byte-slice substring search (vmstat counter names are plain
// ASCII, so a simple scan suffices and avoids an unnecessary string copy
// on every read).
func indexOf(buf []byte, name string) int {
	if len(name) == 0 || len(buf) < len(name) {
		return -1
	}
	for i := 0; i+len(name) <= len(buf); i++ {
		if string(buf[i:i+len(name)]) == name {
			return i
		}
	}
	return -1
}

// decimalAfterSpace finds the first space in buf, then parses the
// contiguous ASCII-decimal run immediately following it. It returns the
// parsed value, the number of bytes consumed from buf (through the end of
// the decimal run), and whether a value was found.
func decimalAfterSpace(buf []byte) (uint64, int, bool) {
	i := 0
	for i < len(buf) && buf[i] != ' ' {
		i++
	}
	if i >= len(buf) {
		return 0, 0, false
	}
	i++ // skip the space
	start := i
	var val uint64
	for i < len(buf) && buf[i] >= '0' && buf[i] <= '9' {
		val = val*10 + uint64(buf[i]-'0')
		i++
	}
	if i == start {
		return 0, 0, false
	}
	return val, i, true
}
