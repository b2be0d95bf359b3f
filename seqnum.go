// SPDX-License-Identifier: GPL-3.0-or-later

package uip

// This file contains helpers for TCP sequence number arithmetic.
//
// Sequence numbers live in a 32-bit space that wraps around, so we
// compare them through the sign of their signed 32-bit difference
// instead of relying on the natural integer ordering.

// seqLT returns true when a < b in sequence space.
func seqLT(a, b uint32) bool {
	return int32(a-b) < 0
}

// seqLTE returns true when a <= b in sequence space.
func seqLTE(a, b uint32) bool {
	return int32(a-b) <= 0
}

// seqGT returns true when a > b in sequence space.
func seqGT(a, b uint32) bool {
	return int32(a-b) > 0
}

// seqGTE returns true when a >= b in sequence space.
func seqGTE(a, b uint32) bool {
	return int32(a-b) >= 0
}

// seqDiff returns a - b as a signed quantity.
func seqDiff(a, b uint32) int32 {
	return int32(a - b)
}

// seqOverlap returns true when [aStart, aEnd) overlaps [bStart, bEnd).
func seqOverlap(aStart, aEnd, bStart, bEnd uint32) bool {
	return seqLT(aStart, bEnd) && seqLT(bStart, aEnd)
}

// seqInWindow returns true when seq falls inside [base, base+size).
func seqInWindow(seq, base uint32, size uint32) bool {
	return seqGTE(seq, base) && seqLT(seq, base+size)
}
