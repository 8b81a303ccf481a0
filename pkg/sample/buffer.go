// Copyright memd Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sample

import (
	"fmt"

	"github.com/go-logr/logr"
)

// Buffer is the engine's fixed-capacity circular sample buffer (§3, §4.5).
// It is the Go analogue of the teacher's generic ringbuffer.RingBuffer, but
// specialized to Sample and extended with the slot-allocator and
// time-bounded-suffix-emission operations the spec requires; a generic
// Push/GetAll pair doesn't give next_slot's "exclusive mutable reference to
// the next slot" semantics or emit_since's backward-then-forward walk, so
// this is a purpose-built type rather than an instantiation of ringbuffer.
//
// Not thread-safe: exclusively owned by the engine, per §3.
type Buffer struct {
	log  logr.Logger
	data []Sample
	head int // next write position
	size int // current number of valid entries, 0 <= size <= cap(data)
}

// NewBuffer creates a Buffer with the given fixed capacity N (§3: derived as
// clip_span_seconds * samples_per_second * 2; 200 under the spec defaults).
func NewBuffer(log logr.Logger, capacity int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity must be greater than 0, got %d", capacity)
	}
	return &Buffer{
		log:  log.WithName("sample-buffer"),
		data: make([]Sample, capacity),
	}, nil
}

// modulo returns a value in [0, n) for any signed x, unlike Go's %, which
// can return a negative result for a negative x. The ring's index arithmetic
// relies on this (§9).
func modulo(x, n int) int {
	m := x % n
	if m < 0 {
		m += n
	}
	return m
}

// Cap returns the buffer's fixed capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Len returns the current number of valid entries.
func (b *Buffer) Len() int { return b.size }

// Reset clears the buffer: head=0, count=0 (§4.5).
func (b *Buffer) Reset() {
	b.head = 0
	b.size = 0
}

// NextSlot returns an exclusive mutable reference to the slot at head,
// advances head, and grows count up to capacity; writing into the returned
// pointer overwrites the oldest slot once full (§4.5).
func (b *Buffer) NextSlot() *Sample {
	slot := &b.data[b.head]
	*slot = Sample{}
	b.head = modulo(b.head+1, len(b.data))
	if b.size < len(b.data) {
		b.size++
	}
	return slot
}

// EmitSince writes all samples whose UptimeMs >= startMs, in insertion
// order, to sink. It walks backward from the youngest sample while its
// uptime is at or after startMs and the walk hasn't consumed every valid entry,
// then walks forward emitting each one (§4.5). If the backward walk
// exhausts count without crossing the boundary, it logs a warning and emits
// every currently retained sample.
func (b *Buffer) EmitSince(startMs int64, sink func(*Sample)) {
	if b.size == 0 {
		return
	}
	n := len(b.data)

	// Youngest sample is at head-1 (mod n).
	youngest := modulo(b.head-1, n)

	walked := 0
	idx := youngest
	for walked < b.size && b.data[idx].UptimeMs >= startMs {
		walked++
		idx = modulo(idx-1, n)
	}
	if walked == b.size {
		b.log.Info("emit_since: backward walk exhausted ring without crossing boundary; emitting all retained samples",
			"startMs", startMs, "retained", b.size)
	}

	// idx now sits one slot before the first sample to emit (or, if the
	// walk was exhausted, at the oldest retained sample minus one step —
	// either way walking forward `walked` steps from idx covers exactly
	// the samples to emit, oldest first).
	start := modulo(idx+1, n)
	for i := 0; i < walked; i++ {
		sink(&b.data[modulo(start+i, n)])
	}
}
