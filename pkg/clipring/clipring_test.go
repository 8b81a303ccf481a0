// Copyright memd Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package clipring

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestNextPathRotatesModMax(t *testing.T) {
	dir := t.TempDir()
	r := New(logr.Discard(), dir, 3)
	assert.Equal(t, filepath.Join(dir, "memd.clip000.log"), r.NextPath())
	assert.Equal(t, filepath.Join(dir, "memd.clip001.log"), r.NextPath())
	assert.Equal(t, filepath.Join(dir, "memd.clip002.log"), r.NextPath())
	assert.Equal(t, filepath.Join(dir, "memd.clip000.log"), r.NextPath())
}

func TestRecoverCounterEmptyDirStartsAtZero(t *testing.T) {
	dir := t.TempDir()
	r := New(logr.Discard(), dir, 20)
	require.NoError(t, r.RecoverCounter())
	assert.Equal(t, filepath.Join(dir, "memd.clip000.log"), r.NextPath())
}

func TestRecoverCounterAfterCrashScenario(t *testing.T) {
	// Scenario 6a: slots 0..3 exist in strictly increasing mtime order;
	// slot 4 is missing. Recovery should set the counter to 4.
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		touch(t, filepath.Join(dir, fmt.Sprintf("memd.clip%03d.log", i)), base.Add(time.Duration(i)*time.Second))
	}

	r := New(logr.Discard(), dir, 20)
	require.NoError(t, r.RecoverCounter())
	assert.Equal(t, filepath.Join(dir, "memd.clip004.log"), r.NextPath())
}

func TestRecoverCounterDetectsMtimeDecrease(t *testing.T) {
	// Scenario 6b: slot 0 newer, slot 1 newer still, slot 2 older than
	// slot 1 (a wrapped, overwritten ring). Recovery should stop at slot
	// 2 and the next write overwrites it.
	dir := t.TempDir()
	now := time.Now()
	touch(t, filepath.Join(dir, "memd.clip000.log"), now.Add(-2*time.Second))
	touch(t, filepath.Join(dir, "memd.clip001.log"), now.Add(-1*time.Second))
	touch(t, filepath.Join(dir, "memd.clip002.log"), now.Add(-10*time.Second))

	r := New(logr.Discard(), dir, 20)
	require.NoError(t, r.RecoverCounter())
	assert.Equal(t, filepath.Join(dir, "memd.clip002.log"), r.NextPath())
}

func TestRecoverCounterFullyWrappedRing(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	maxClips := 5
	for i := 0; i < maxClips; i++ {
		touch(t, filepath.Join(dir, fmt.Sprintf("memd.clip%03d.log", i)), base.Add(time.Duration(i)*time.Second))
	}

	r := New(logr.Discard(), dir, maxClips)
	require.NoError(t, r.RecoverCounter())
	assert.Equal(t, filepath.Join(dir, "memd.clip000.log"), r.NextPath())
}

func TestWriteClipAdvancesAndRenders(t *testing.T) {
	dir := t.TempDir()
	r := New(logr.Discard(), dir, 3)

	path, err := r.WriteClip(func(f *os.File) error {
		_, err := f.WriteString("hello\n")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "memd.clip000.log"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))

	assert.Equal(t, filepath.Join(dir, "memd.clip001.log"), r.NextPath())
}
