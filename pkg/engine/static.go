// Copyright memd Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package engine

import (
	"fmt"
	"os"
	"time"

	"github.com/memd-io/memd/pkg/errors"
	"github.com/memd-io/memd/pkg/sources"
)

// LogStaticParameters writes the one-shot static-parameters log consumed at
// startup (§3 "Watermarks", §4.9): a local date-time line, the low-mem
// margin, the three /proc/sys/vm tunables (each defaulting to 0 when
// absent, per SPEC_FULL supplemented feature #2), and the three zone
// watermark totals, converted from 4K-page counts to kB as the original
// does on output.
func LogStaticParameters(path string, margin int64, minFilelistKB, minFreeKB, extraFreeKB uint64, wm sources.Watermarks) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.IoError("engine.LogStaticParameters: open", err)
	}
	defer f.Close()

	lines := []string{
		time.Now().Format(time.RFC3339),
		fmt.Sprintf("margin %d", margin),
		fmt.Sprintf("min_filelist_kbytes %d", minFilelistKB),
		fmt.Sprintf("min_free_kbytes %d", minFreeKB),
		fmt.Sprintf("extra_free_kbytes %d", extraFreeKB),
		fmt.Sprintf("min_water_mark_kbytes %d", wm.Min*4),
		fmt.Sprintf("low_water_mark_kbytes %d", wm.Low*4),
		fmt.Sprintf("high_water_mark_kbytes %d", wm.High*4),
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(f, line); err != nil {
			return errors.IoError("engine.LogStaticParameters: write", err)
		}
	}
	return nil
}
