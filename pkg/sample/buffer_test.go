// Copyright memd Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sample

import (
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func push(t *testing.T, b *Buffer, uptimeMs int64) {
	t.Helper()
	slot := b.NextSlot()
	slot.UptimeMs = uptimeMs
	slot.Type = Timer
}

func TestNextSlotCountAndHead(t *testing.T) {
	b, err := NewBuffer(logr.Discard(), 4)
	require.NoError(t, err)

	for i := 1; i <= 10; i++ {
		push(t, b, int64(i))
		assert.Equal(t, min(i, 4), b.Len())
		assert.Equal(t, i%4, b.head)
	}
}

func TestResetClearsState(t *testing.T) {
	b, err := NewBuffer(logr.Discard(), 4)
	require.NoError(t, err)
	push(t, b, 1)
	push(t, b, 2)
	b.Reset()
	assert.Equal(t, 0, b.Len())

	var got []int64
	b.EmitSince(0, func(s *Sample) { got = append(got, s.UptimeMs) })
	assert.Empty(t, got)
}

func TestEmitSinceExactSuffix(t *testing.T) {
	b, err := NewBuffer(logr.Discard(), 8)
	require.NoError(t, err)
	for _, ms := range []int64{0, 100, 200, 300, 400, 500} {
		push(t, b, ms)
	}

	var got []int64
	b.EmitSince(250, func(s *Sample) { got = append(got, s.UptimeMs) })
	assert.Equal(t, []int64{300, 400, 500}, got)
}

func TestEmitSinceWraparound(t *testing.T) {
	b, err := NewBuffer(logr.Discard(), 4)
	require.NoError(t, err)
	// Capacity 4; push 6 samples so the ring has wrapped and overwritten
	// the first two (uptimes 0 and 100 are gone).
	for _, ms := range []int64{0, 100, 200, 300, 400, 500} {
		push(t, b, ms)
	}

	var got []int64
	b.EmitSince(0, func(s *Sample) { got = append(got, s.UptimeMs) })
	// Only the 4 most recent survive, oldest-first.
	assert.Equal(t, []int64{200, 300, 400, 500}, got)
}

func TestEmitSinceBoundaryExhaustsRing(t *testing.T) {
	b, err := NewBuffer(logr.Discard(), 4)
	require.NoError(t, err)
	for _, ms := range []int64{100, 200, 300} {
		push(t, b, ms)
	}

	// startMs below every retained sample: the whole ring qualifies.
	var got []int64
	b.EmitSince(0, func(s *Sample) { got = append(got, s.UptimeMs) })
	assert.Equal(t, []int64{100, 200, 300}, got)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
