// SPDX-License-Identifier: GPL-3.0-or-later

package uip

import (
	"sync"
	"time"
)

// This file contains the per-flow TCP buffers: the retransmission
// queue, the out-of-order reassembly buffer, and the consumer-facing
// receive buffer.
//
// The retransmission queue and the reassembly buffer are touched
// only by the owning flow goroutine and therefore need no locking.
// The receive buffer is shared with the stream reader and locks.

// retxSegment is an outbound segment awaiting acknowledgment.
type retxSegment struct {
	// seq is the first sequence number of the segment.
	seq uint32

	// end is the sequence number after the segment, including
	// the SYN/FIN phantom byte when present.
	end uint32

	// flags are the TCP flags the segment was sent with.
	flags uint8

	// payload is the segment payload.
	payload []byte

	// deadline is when the segment becomes due for retransmission.
	deadline time.Time

	// retries counts how many times the segment was resent.
	retries int
}

// retransmitQueue holds outbound segments until they are
// cumulatively acknowledged, ordered by sequence number.
type retransmitQueue struct {
	// inFlight is the number of unacknowledged payload bytes.
	inFlight int

	// segments is the queue ordered by sequence number.
	segments []retxSegment
}

// push appends a freshly sent segment.
func (q *retransmitQueue) push(seg retxSegment) {
	q.segments = append(q.segments, seg)
	q.inFlight += len(seg.payload)
}

// ack removes every segment fully covered by the cumulative ack
// number and returns the count of acknowledged payload bytes.
func (q *retransmitQueue) ack(ackNum uint32) int {
	acked := 0
	kept := q.segments[:0]
	for _, seg := range q.segments {
		if seqLTE(seg.end, ackNum) {
			acked += len(seg.payload)
			q.inFlight -= len(seg.payload)
			continue
		}
		kept = append(kept, seg)
	}
	q.segments = kept
	return acked
}

// oldest returns a pointer to the oldest unacknowledged segment.
func (q *retransmitQueue) oldest() (*retxSegment, bool) {
	if len(q.segments) == 0 {
		return nil, false
	}
	return &q.segments[0], true
}

// nextDeadline returns the earliest retransmission deadline.
func (q *retransmitQueue) nextDeadline() (time.Time, bool) {
	if len(q.segments) == 0 {
		return time.Time{}, false
	}
	return q.segments[0].deadline, true
}

// empty returns true when nothing is awaiting acknowledgment.
func (q *retransmitQueue) empty() bool {
	return len(q.segments) == 0
}

// reassemblySegment is a payload received ahead of the contiguous
// stream, waiting for the gap before it to close.
type reassemblySegment struct {
	seqStart uint32
	seqEnd   uint32
	payload  []byte
}

// reassemblyBuffer holds out-of-order segments keyed by sequence
// number and folds them back into the contiguous stream as gaps
// close. The number of buffered segments is bounded: the advertised
// window already bounds the byte count, the segment bound protects
// against many tiny gaps.
type reassemblyBuffer struct {
	// maxSegments bounds the buffered segment count.
	maxSegments int

	// segments is kept ordered by seqStart.
	segments []reassemblySegment
}

// newReassemblyBuffer creates a [*reassemblyBuffer].
func newReassemblyBuffer(maxSegments int) *reassemblyBuffer {
	return &reassemblyBuffer{
		maxSegments: maxSegments,
		segments:    nil,
	}
}

// insert stores an out-of-order segment. Segments overlapping
// already-buffered data and segments beyond the capacity are
// dropped, which is safe: the peer retransmits whatever we drop.
func (rb *reassemblyBuffer) insert(seqStart uint32, payload []byte) bool {
	// 1. refuse duplicates and overlaps, find the insertion point
	seqEnd := seqStart + uint32(len(payload))
	insertAt := len(rb.segments)
	for idx, existing := range rb.segments {
		if seqOverlap(seqStart, seqEnd, existing.seqStart, existing.seqEnd) {
			return false
		}
		if seqLT(seqStart, existing.seqStart) {
			insertAt = idx
			break
		}
	}

	// 2. refuse when at capacity
	if len(rb.segments) >= rb.maxSegments {
		return false
	}

	// 3. insert keeping the slice ordered
	rb.segments = append(rb.segments, reassemblySegment{})
	copy(rb.segments[insertAt+1:], rb.segments[insertAt:])
	rb.segments[insertAt] = reassemblySegment{
		seqStart: seqStart,
		seqEnd:   seqEnd,
		payload:  payload,
	}
	return true
}

// collect removes and returns the payloads that have become
// contiguous with *nextSeq, advancing the watermark.
func (rb *reassemblyBuffer) collect(nextSeq *uint32) [][]byte {
	var out [][]byte
	for len(rb.segments) > 0 && rb.segments[0].seqStart == *nextSeq {
		out = append(out, rb.segments[0].payload)
		*nextSeq = rb.segments[0].seqEnd
		rb.segments = rb.segments[1:]
	}
	return out
}

// size returns the number of buffered segments.
func (rb *reassemblyBuffer) size() int {
	return len(rb.segments)
}

// recvBuffer is the in-order byte buffer a TCP stream reads from,
// shared between the flow goroutine (producer) and the stream
// reader (consumer).
//
// Occupancy never exceeds the configured capacity, which is also
// the bound for the advertised receive window.
type recvBuffer struct {
	// capacity bounds the buffered byte count.
	capacity int

	// data is the buffered in-order payload.
	data []byte

	// err terminates the stream once data is drained. It is
	// [io.EOF] after a clean FIN and a real error otherwise.
	err error

	// mu provides mutual exclusion.
	mu sync.Mutex

	// readable is signaled when data or err become available.
	readable chan struct{}

	// drained is signaled when the reader frees buffer space.
	drained chan struct{}
}

// newRecvBuffer creates a [*recvBuffer] with the given capacity.
func newRecvBuffer(capacity int) *recvBuffer {
	return &recvBuffer{
		capacity: capacity,
		data:     nil,
		err:      nil,
		mu:       sync.Mutex{},
		readable: make(chan struct{}, 1),
		drained:  make(chan struct{}, 1),
	}
}

// signal performs a non-blocking send on ch.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// push appends in-order payload, dropping whatever exceeds the
// remaining capacity, and returns the number of bytes stored.
func (b *recvBuffer) push(payload []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.capacity - len(b.data)
	stored := min(room, len(payload))
	if stored > 0 {
		b.data = append(b.data, payload[:stored]...)
		signal(b.readable)
	}
	return stored
}

// terminate records the stream-terminating condition. The reader
// still drains buffered data before observing err.
func (b *recvBuffer) terminate(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.err = err
	}
	signal(b.readable)
}

// pop moves buffered bytes into p. When the buffer is empty it
// returns the terminating error, or (0, nil) to mean "wait on the
// readable channel and retry".
func (b *recvBuffer) pop(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.data) > 0 {
		count := copy(p, b.data)
		b.data = b.data[count:]
		signal(b.drained)
		if len(b.data) > 0 {
			signal(b.readable)
		}
		return count, nil
	}
	if b.err != nil {
		return 0, b.err
	}
	return 0, nil
}

// window returns the remaining capacity, i.e. the receive window
// to advertise to the peer.
func (b *recvBuffer) window() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity - len(b.data)
}
