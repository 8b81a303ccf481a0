// Copyright memd Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package readiness

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestWaitReportsPipeReadiness(t *testing.T) {
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	mux, err := New(logr.Discard())
	require.NoError(t, err)
	defer mux.Close()

	require.NoError(t, mux.Register(fds[0]))

	n, err := mux.Wait(0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.False(t, mux.HasFired(fds[0]))

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	n, err = mux.Wait(1000)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, mux.HasFired(fds[0]))
}

func TestUnregisterThenReregister(t *testing.T) {
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	mux, err := New(logr.Discard())
	require.NoError(t, err)
	defer mux.Close()

	require.NoError(t, mux.Register(fds[0]))
	require.NoError(t, mux.Unregister(fds[0]))
	// Unregistering twice is a no-op, matching the level-triggered
	// low-mem device's unregister-then-later-re-register flow.
	require.NoError(t, mux.Unregister(fds[0]))
	require.NoError(t, mux.Register(fds[0]))

	_, err = unix.Write(fds[1], []byte("y"))
	require.NoError(t, err)

	n, err := mux.Wait(1000)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRegisterNegativeFdIsHardError(t *testing.T) {
	mux, err := New(logr.Discard())
	require.NoError(t, err)
	defer mux.Close()

	err = mux.Register(-1)
	assert.Error(t, err)
}
