// SPDX-License-Identifier: GPL-3.0-or-later

package uip

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeqComparisons(t *testing.T) {
	assert.True(t, seqLT(1, 2))
	assert.False(t, seqLT(2, 1))
	assert.False(t, seqLT(7, 7))

	assert.True(t, seqLTE(7, 7))
	assert.True(t, seqGT(2, 1))
	assert.True(t, seqGTE(2, 2))

	// comparisons hold across the 32-bit wraparound
	assert.True(t, seqLT(math.MaxUint32, 0))
	assert.True(t, seqGT(5, math.MaxUint32-5))
	assert.Equal(t, int32(11), seqDiff(5, math.MaxUint32-5))
}

func TestSeqOverlap(t *testing.T) {
	assert.True(t, seqOverlap(10, 20, 15, 25))
	assert.True(t, seqOverlap(15, 25, 10, 20))
	assert.False(t, seqOverlap(10, 20, 20, 30))
	assert.False(t, seqOverlap(20, 30, 10, 20))

	// overlapping ranges straddling the wraparound
	assert.True(t, seqOverlap(math.MaxUint32-4, 6, 0, 1))
}

func TestSeqInWindow(t *testing.T) {
	assert.True(t, seqInWindow(100, 100, 10))
	assert.True(t, seqInWindow(109, 100, 10))
	assert.False(t, seqInWindow(110, 100, 10))
	assert.False(t, seqInWindow(99, 100, 10))

	// window straddling the wraparound
	assert.True(t, seqInWindow(2, math.MaxUint32-2, 10))
	assert.False(t, seqInWindow(8, math.MaxUint32-2, 10))
}
