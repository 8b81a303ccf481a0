// Copyright memd Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package clipring implements the bounded, crash-recoverable ring of clip
// files on disk (§3, §4.7). The ring never needs a separate state file: the
// slot to write next is recovered at startup purely from the mtimes of
// whatever files already exist, exploiting the fact that the ring is always
// written in strictly increasing mtime order.
package clipring

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"

	"github.com/memd-io/memd/pkg/errors"
)

// MaxClips bounds the ring: up to 20 files named memd.clipNNN.log (§3).
const MaxClips = 20

// Ring tracks the next slot to write in a directory of memd.clipNNN.log
// files.
type Ring struct {
	log     logr.Logger
	dir     string
	maxClip int
	counter int
}

// New creates a Ring rooted at dir, with maxClips slots (pass MaxClips for
// the spec default; tests may pass a smaller ring to exercise rotation
// quickly).
func New(log logr.Logger, dir string, maxClips int) *Ring {
	return &Ring{
		log:     log.WithName("clipring"),
		dir:     dir,
		maxClip: maxClips,
	}
}

// clipName formats slot c as memd.clipNNN.log.
func clipName(c int) string {
	return fmt.Sprintf("memd.clip%03d.log", c)
}

// Path returns the full path for slot c.
func (r *Ring) Path(c int) string {
	return filepath.Join(r.dir, clipName(c))
}

// NextPath returns the path for the current counter and advances the
// counter modulo maxClips (§4.7).
func (r *Ring) NextPath() string {
	p := r.Path(r.counter)
	r.counter = (r.counter + 1) % r.maxClip
	return p
}

// RecoverCounter scans the ring directory at startup and sets the counter so
// that the next NextPath call returns the slot immediately after the
// newest-written clip (§4.7, §8 "Counter recovery").
//
// Starting from slot 0, it examines each slot's file in turn: a missing file
// stops the scan at that slot; an existing file whose mtime is older than
// the previously examined file's also stops the scan there (the previous
// file was the newest); any other existing file continues the scan. The
// counter is set to the stopping slot directly — the recovered position is
// exactly the first slot found to be either absent or a predecessor of a
// newer one, which is where the next write belongs. If the directory is
// empty, the counter stays at 0 (§7); if every slot is populated in
// non-decreasing mtime order (a fully wrapped ring), the scan never finds a
// stop condition within one pass, and the counter is set to 0 (the next
// write continues the wrap, overwriting the oldest slot).
func (r *Ring) RecoverCounter() error {
	var prevModTime int64
	havePrev := false

	for c := 0; c < r.maxClip; c++ {
		info, err := os.Stat(r.Path(c))
		if err != nil {
			if os.IsNotExist(err) {
				r.counter = c
				return nil
			}
			return errors.IoError("clipring.RecoverCounter", err)
		}
		mtime := info.ModTime().UnixNano()
		if havePrev && mtime < prevModTime {
			r.counter = c
			return nil
		}
		prevModTime = mtime
		havePrev = true
	}

	r.counter = 0
	return nil
}

// WriteClip truncates/creates the next path, writes header and body via
// render, and returns the path written (§4.7). render receives the open
// file and is responsible for writing the local-date-time line, the header
// line, and the sample lines; clipring has no knowledge of sample format.
func (r *Ring) WriteClip(render func(f *os.File) error) (string, error) {
	path := r.NextPath()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", errors.IoError("clipring.WriteClip: open", err)
	}
	defer f.Close()

	if err := render(f); err != nil {
		return "", errors.IoError("clipring.WriteClip: render", err)
	}
	return path, nil
}
