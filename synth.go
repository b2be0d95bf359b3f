// SPDX-License-Identifier: GPL-3.0-or-later

package uip

import (
	"encoding/binary"
	"net/netip"
)

// This file implements the packet synthesizer: it builds the raw
// IPv4/IPv6 packets that the engine sends back through the device.
//
// A synthesizer belongs to a single flow and is only used by the
// flow's own goroutine, so it needs no locking. All outgoing packets
// travel in the reverse direction of the flow key: the engine
// impersonates the flow's destination when talking to its source.

// ttlDefault is the TTL/hop-limit of synthesized packets.
const ttlDefault = 64

// Header sizes used for segmentation decisions.
const (
	ipv4HeaderLen = 20
	ipv6HeaderLen = 40
	tcpHeaderLen  = 20
	udpHeaderLen  = 8
)

// synthesizer builds outgoing packets for one flow.
type synthesizer struct {
	// key is the owning flow's key.
	key FlowKey

	// ipID is the IPv4 identification counter, incremented
	// monotonically per packet to aid receiver-side duplicate
	// detection.
	ipID uint16

	// mtu bounds the size of synthesized packets.
	mtu int
}

// newSynthesizer creates a synthesizer for the given flow key.
func newSynthesizer(key FlowKey, mtu int) *synthesizer {
	return &synthesizer{
		key:  key,
		ipID: 0,
		mtu:  mtu,
	}
}

// ipHeaderLen returns the IP header size for this flow's family.
func (s *synthesizer) ipHeaderLen() int {
	if s.key.Dst.Addr().Is6() {
		return ipv6HeaderLen
	}
	return ipv4HeaderLen
}

// maxTCPPayload returns the MSS implied by the MTU.
func (s *synthesizer) maxTCPPayload() int {
	return s.mtu - s.ipHeaderLen() - tcpHeaderLen
}

// maxUDPPayload returns the largest unfragmented UDP payload.
func (s *synthesizer) maxUDPPayload() int {
	return s.mtu - s.ipHeaderLen() - udpHeaderLen
}

// tcp builds a TCP packet flowing back to the peer. The payload must
// not exceed maxTCPPayload: segmentation is the caller's job because
// each segment needs its own sequence number.
func (s *synthesizer) tcp(seq, ack uint32, flags uint8, window uint16, payload []byte) []byte {
	return s.tcpOptions(seq, ack, flags, window, nil, payload)
}

// tcpMSS builds a TCP packet advertising our maximum segment size,
// used on SYN-ACK segments.
func (s *synthesizer) tcpMSS(seq, ack uint32, flags uint8, window uint16) []byte {
	options := make([]byte, 4)
	options[0] = 2 // kind: maximum segment size
	options[1] = 4 // length
	binary.BigEndian.PutUint16(options[2:4], uint16(s.maxTCPPayload()))
	return s.tcpOptions(seq, ack, flags, window, options, nil)
}

// tcpOptions builds a TCP packet carrying header options, whose
// length must be a multiple of four.
func (s *synthesizer) tcpOptions(seq, ack uint32, flags uint8, window uint16, options, payload []byte) []byte {
	// 1. build the TCP header with a zero checksum
	hdrlen := tcpHeaderLen + len(options)
	segment := make([]byte, hdrlen+len(payload))
	binary.BigEndian.PutUint16(segment[0:2], s.key.Dst.Port())
	binary.BigEndian.PutUint16(segment[2:4], s.key.Src.Port())
	binary.BigEndian.PutUint32(segment[4:8], seq)
	binary.BigEndian.PutUint32(segment[8:12], ack)
	segment[12] = uint8(hdrlen/4) << 4
	segment[13] = flags
	binary.BigEndian.PutUint16(segment[14:16], window)
	copy(segment[tcpHeaderLen:], options)
	copy(segment[hdrlen:], payload)

	// 2. fill in the pseudo-header checksum
	cksum := transportChecksum(ProtocolTCP, s.key.Dst.Addr(), s.key.Src.Addr(), segment)
	binary.BigEndian.PutUint16(segment[16:18], cksum)

	// 3. prepend the IP header
	return s.encapsulate(ProtocolTCP, segment, true)
}

// udp builds one or more UDP packets flowing back to the peer.
//
// A payload exceeding the MTU is either dropped (the default) or
// best-effort fragmented on IPv4 when fragment is true. The second
// return value is false when the datagram was dropped.
func (s *synthesizer) udp(payload []byte, fragment bool) ([][]byte, bool) {
	// 1. build the UDP header with a zero checksum
	segment := make([]byte, udpHeaderLen+len(payload))
	binary.BigEndian.PutUint16(segment[0:2], s.key.Dst.Port())
	binary.BigEndian.PutUint16(segment[2:4], s.key.Src.Port())
	binary.BigEndian.PutUint16(segment[4:6], uint16(len(segment)))
	copy(segment[udpHeaderLen:], payload)

	// 2. fill in the pseudo-header checksum
	cksum := transportChecksum(ProtocolUDP, s.key.Dst.Addr(), s.key.Src.Addr(), segment)
	if cksum == 0 {
		cksum = 0xffff // zero means "no checksum" on the wire
	}
	binary.BigEndian.PutUint16(segment[6:8], cksum)

	// 3. common case: the datagram fits in the MTU
	if len(payload) <= s.maxUDPPayload() {
		return [][]byte{s.encapsulate(ProtocolUDP, segment, false)}, true
	}

	// 4. oversized: drop unless IPv4 fragmentation is enabled
	if !fragment || s.key.Dst.Addr().Is6() {
		return nil, false
	}
	return s.fragmentIPv4(segment), true
}

// encapsulate prepends the IP header for this flow's family.
func (s *synthesizer) encapsulate(proto uint8, segment []byte, dontFragment bool) []byte {
	src := s.key.Dst.Addr()
	dst := s.key.Src.Addr()
	if src.Is6() {
		return buildIPv6(proto, src, dst, segment)
	}
	s.ipID++
	return buildIPv4(proto, src, dst, s.ipID, segment, dontFragment, 0, false)
}

// fragmentIPv4 splits an oversized transport segment into IPv4
// fragments. Fragment offsets are expressed in 8-byte units, so each
// fragment except the last carries a multiple of eight payload bytes.
func (s *synthesizer) fragmentIPv4(segment []byte) [][]byte {
	chunk := (s.mtu - ipv4HeaderLen) &^ 7
	src := s.key.Dst.Addr()
	dst := s.key.Src.Addr()
	s.ipID++
	id := s.ipID

	var out [][]byte
	for offset := 0; offset < len(segment); offset += chunk {
		end := min(offset+chunk, len(segment))
		more := end < len(segment)
		out = append(out, buildIPv4(ProtocolUDP, src, dst, id,
			segment[offset:end], false, uint16(offset/8), more))
	}
	return out
}

// buildIPv4 assembles an IPv4 packet around segment.
func buildIPv4(proto uint8, src, dst netip.Addr, id uint16, segment []byte,
	dontFragment bool, fragOffset uint16, moreFragments bool) []byte {
	pkt := make([]byte, ipv4HeaderLen+len(segment))
	pkt[0] = 0x45 // version 4, IHL 5
	binary.BigEndian.PutUint16(pkt[2:4], uint16(len(pkt)))
	binary.BigEndian.PutUint16(pkt[4:6], id)
	frag := fragOffset & 0x1fff
	if dontFragment {
		frag |= 0x4000
	}
	if moreFragments {
		frag |= 0x2000
	}
	binary.BigEndian.PutUint16(pkt[6:8], frag)
	pkt[8] = ttlDefault
	pkt[9] = proto
	copy(pkt[12:16], src.AsSlice())
	copy(pkt[16:20], dst.AsSlice())
	cksum := internetChecksum(pkt[:ipv4HeaderLen], 0)
	binary.BigEndian.PutUint16(pkt[10:12], cksum)
	copy(pkt[ipv4HeaderLen:], segment)
	return pkt
}

// buildIPv6 assembles an IPv6 packet around segment.
func buildIPv6(proto uint8, src, dst netip.Addr, segment []byte) []byte {
	pkt := make([]byte, ipv6HeaderLen+len(segment))
	pkt[0] = 0x60 // version 6
	binary.BigEndian.PutUint16(pkt[4:6], uint16(len(segment)))
	pkt[6] = proto
	pkt[7] = ttlDefault
	copy(pkt[8:24], src.AsSlice())
	copy(pkt[24:40], dst.AsSlice())
	copy(pkt[ipv6HeaderLen:], segment)
	return pkt
}
