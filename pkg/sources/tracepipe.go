// Copyright memd Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sources

import (
	"fmt"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/memd-io/memd/pkg/errors"
)

// oomKillToken is the literal trace-event marker the kernel emits for an
// out-of-memory kill (§4.6).
const oomKillToken = "oom_kill_process"

// OomKillEvent is one occurrence of oom_kill_process found in a trace-pipe
// read, carrying the reported event time in seconds as printed by ftrace.
type OomKillEvent struct {
	ReportedSeconds float64
}

// TracePipe performs non-blocking reads of the kernel trace pipe
// (/sys/kernel/debug/tracing/trace_pipe), opened once with O_NONBLOCK and
// held for process lifetime, the same non-blocking-fd idiom the teacher's
// kernel.go collector uses for /dev/kmsg.
type TracePipe struct {
	fd int
}

// NewTracePipe wraps an already-opened, non-blocking trace-pipe file
// descriptor.
func NewTracePipe(fd int) *TracePipe {
	return &TracePipe{fd: fd}
}

// Fd exposes the descriptor for multiplexer registration.
func (t *TracePipe) Fd() int { return t.fd }

// Poll performs one non-blocking read of up to one page and extracts every
// oom_kill_process occurrence, in order (§4.6). A read that would fill the
// buffer entirely is a hard error: the line may have straddled the read
// boundary and a second read is needed to be sure nothing was truncated, but
// the spec treats this case as a fatal parse condition rather than silently
// retrying.
func (t *TracePipe) Poll() ([]OomKillEvent, error) {
	buf := make([]byte, pageSize)
	n, err := unix.Read(t.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil, nil
		}
		return nil, errors.IoError("tracepipe.Poll", err)
	}
	if n == len(buf) {
		return nil, errors.ParseError("tracepipe.Poll",
			fmt.Errorf("read filled the entire %d-byte buffer; event may have straddled the read", len(buf)))
	}
	buf = buf[:n]

	var events []OomKillEvent
	pos := 0
	for {
		idx := indexOf(buf[pos:], oomKillToken)
		if idx < 0 {
			break
		}
		tokenStart := pos + idx
		seconds, ok := parseReportedSecondsBefore(buf, tokenStart)
		if !ok {
			return nil, errors.ParseError("tracepipe.Poll",
				fmt.Errorf("oom_kill_process at offset %d has no preceding timestamp", tokenStart))
		}
		events = append(events, OomKillEvent{ReportedSeconds: seconds})
		pos = tokenStart + len(oomKillToken)
	}
	return events, nil
}

// parseReportedSecondsBefore locates the event timestamp preceding the
// oom_kill_process token (§4.6). Real ftrace lines look like
// "chrome-13700 [001] .... 867348.061651: oom_kill_process <-out_of_memory";
// the token is always immediately preceded by ": ", so the timestamp's
// slice ends 2 bytes before tokenStart; within that slice, the substring
// after the last remaining space is the reported seconds value.
func parseReportedSecondsBefore(buf []byte, tokenStart int) (float64, bool) {
	end := tokenStart - 2
	if end < 0 {
		return 0, false
	}
	start := end
	for start > 0 && buf[start-1] != ' ' {
		start--
	}
	if start == end {
		return 0, false
	}
	seconds, err := strconv.ParseFloat(string(buf[start:end]), 64)
	if err != nil {
		return 0, false
	}
	return seconds, true
}
