// Copyright memd Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sources

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/memd-io/memd/pkg/errors"
)

// Watermarks aggregates the min/low/high page-count watermarks across every
// zone in /proc/zoneinfo, consumed once at startup for the static-parameters
// log (§3, §4.9); not part of steady-state sampling.
type Watermarks struct {
	Min  uint64
	Low  uint64
	High uint64
}

// ReadWatermarks parses r (the full contents of /proc/zoneinfo) and sums the
// "min", "low", "high" fields across every zone.
func ReadWatermarks(r io.Reader) (Watermarks, error) {
	var w Watermarks
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		var target *uint64
		switch fields[0] {
		case "min":
			target = &w.Min
		case "low":
			target = &w.Low
		case "high":
			target = &w.High
		default:
			continue
		}
		val, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return Watermarks{}, errors.ParseError("zoneinfo.ReadWatermarks", err)
		}
		*target += val
	}
	if err := scanner.Err(); err != nil {
		return Watermarks{}, errors.IoError("zoneinfo.ReadWatermarks", err)
	}
	return w, nil
}

// ReadVMInt reads a single-integer file under /proc/sys/vm (e.g.
// min_filelist_kbytes), defaulting to 0 when the file is absent rather than
// treating that as an error — SPEC_FULL supplemented feature #2, mirroring
// the original's read_int(...).unwrap_or(0).
func ReadVMInt(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.IoError("zoneinfo.ReadVMInt", err)
	}
	val, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, errors.ParseError("zoneinfo.ReadVMInt", err)
	}
	return val, nil
}
