// Copyright memd Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sources

import (
	"fmt"

	"github.com/memd-io/memd/pkg/errors"
)

// Available reads the low-memory sysfs node's "available" value (§4.3):
// the kernel's own free-plus-reclaimable estimate, in megabytes.
// Optional-file absence is handled by the caller: a nil *Available means the
// node doesn't exist on this kernel (§7).
type Available struct {
	r Reader
}

// NewAvailable wraps r, an already-opened handle on
// /sys/kernel/mm/chromeos-low_mem/available.
func NewAvailable(r Reader) *Available {
	return &Available{r: r}
}

// Read parses the non-negative decimal integer the node reports.
func (a *Available) Read() (int64, error) {
	buf := make([]byte, 64)
	n, err := a.r.ReadAt(buf, 0)
	if err != nil && n == 0 {
		return 0, errors.IoError("available.Read", err)
	}
	buf = buf[:n]

	var val int64
	i := 0
	for i < len(buf) && buf[i] >= '0' && buf[i] <= '9' {
		val = val*10 + int64(buf[i]-'0')
		i++
	}
	if i == 0 {
		return 0, errors.ParseError("available.Read", fmt.Errorf("no leading decimal in %q", string(buf)))
	}
	return val, nil
}

// Margin reads the low-memory sysfs margin value once at startup (§4.8).
// Unlike Available, it is read once, not held open for repeated reads, so it
// takes a Reader directly rather than wrapping a long-lived handle.
func Margin(r Reader) (int64, error) {
	buf := make([]byte, 64)
	n, err := r.ReadAt(buf, 0)
	if err != nil && n == 0 {
		// Absent margin file defaults to 0, per §4.8: "low_mem_margin is
		// read once at startup from sysfs (0 if unavailable)".
		return 0, nil
	}
	buf = buf[:n]

	var val int64
	i := 0
	for i < len(buf) && buf[i] >= '0' && buf[i] <= '9' {
		val = val*10 + int64(buf[i]-'0')
		i++
	}
	return val, nil
}
