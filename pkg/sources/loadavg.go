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

// loadavgSkipBytes is the fixed offset into /proc/loadavg at which the
// "runnable/total" pair begins, e.g. "0.52 0.58 0.59 " is 15 bytes, landing
// right before the numerator of "3/512" (§4.3).
const loadavgSkipBytes = 15

// Runnables reads the runnable-tasks count from /proc/loadavg.
type Runnables struct {
	r Reader
}

// NewRunnables wraps r, an already-opened handle on /proc/loadavg.
func NewRunnables(r Reader) *Runnables {
	return &Runnables{r: r}
}

// Read skips the first 15 bytes then parses the leading decimal integer —
// the numerator of the "running/total" pair at that fixed offset (§4.3).
func (l *Runnables) Read() (int64, error) {
	buf := make([]byte, pageSize)
	n, err := l.r.ReadAt(buf, 0)
	if err != nil && n == 0 {
		return 0, errors.IoError("loadavg.Read", err)
	}
	buf = buf[:n]

	if len(buf) <= loadavgSkipBytes {
		return 0, errors.ParseError("loadavg.Read", fmt.Errorf("loadavg shorter than expected offset: %d bytes", len(buf)))
	}
	buf = buf[loadavgSkipBytes:]

	var val int64
	i := 0
	for i < len(buf) && buf[i] >= '0' && buf[i] <= '9' {
		val = val*10 + int64(buf[i]-'0')
		i++
	}
	if i == 0 {
		return 0, errors.ParseError("loadavg.Read", fmt.Errorf("no leading decimal at offset %d", loadavgSkipBytes))
	}
	return val, nil
}
