// SPDX-License-Identifier: GPL-3.0-or-later

package uip

import (
	"encoding/binary"
	"net/netip"
)

// This file implements the internet checksum (RFC 1071) used by the
// IPv4 header and by the TCP/UDP pseudo-header checksums.

// checksumSum accumulates the 16-bit one's complement sum of data
// on top of an initial partial sum.
func checksumSum(data []byte, initial uint32) uint32 {
	sum := initial
	idx := 0
	for ; idx+1 < len(data); idx += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[idx : idx+2]))
	}
	if idx < len(data) {
		sum += uint32(data[idx]) << 8
	}
	return sum
}

// checksumFold folds the partial sum into the final 16-bit checksum.
func checksumFold(sum uint32) uint16 {
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}

// internetChecksum computes the checksum over data.
func internetChecksum(data []byte, initial uint32) uint16 {
	return checksumFold(checksumSum(data, initial))
}

// pseudoHeaderSum computes the partial sum of the IPv4/IPv6
// pseudo-header covering a transport segment.
func pseudoHeaderSum(proto uint8, src, dst netip.Addr, length uint32) uint32 {
	var sum uint32
	sum = checksumSum(src.AsSlice(), sum)
	sum = checksumSum(dst.AsSlice(), sum)
	sum += uint32(proto)
	sum += length & 0xffff
	sum += length >> 16
	return sum
}

// transportChecksum computes the TCP/UDP checksum of segment, which
// must contain the transport header with a zeroed checksum field
// followed by the payload.
func transportChecksum(proto uint8, src, dst netip.Addr, segment []byte) uint16 {
	sum := pseudoHeaderSum(proto, src, dst, uint32(len(segment)))
	return internetChecksum(segment, sum)
}

// transportChecksumValid verifies the checksum of an incoming
// transport segment that still carries its original checksum field.
func transportChecksumValid(proto uint8, src, dst netip.Addr, segment []byte) bool {
	sum := pseudoHeaderSum(proto, src, dst, uint32(len(segment)))
	return checksumFold(checksumSum(segment, sum)) == 0
}
