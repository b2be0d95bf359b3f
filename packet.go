// SPDX-License-Identifier: GPL-3.0-or-later

package uip

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// IP protocol numbers we care about.
const (
	// ProtocolTCP is the IP protocol number of TCP.
	ProtocolTCP = 6

	// ProtocolUDP is the IP protocol number of UDP.
	ProtocolUDP = 17
)

// TCP header flags.
const (
	flagFIN = 1 << 0
	flagSYN = 1 << 1
	flagRST = 1 << 2
	flagPSH = 1 << 3
	flagACK = 1 << 4
)

// FlowKey uniquely identifies a TCP flow or UDP pseudo-session.
//
// The source is the endpoint behind the device originating the flow
// and the destination is the endpoint it is trying to reach. The zero
// value is not a valid key.
type FlowKey struct {
	// Proto is either [ProtocolTCP] or [ProtocolUDP].
	Proto uint8

	// Src is the source address and port.
	Src netip.AddrPort

	// Dst is the destination address and port.
	Dst netip.AddrPort
}

// String implements [fmt.Stringer].
func (k FlowKey) String() string {
	var name string
	switch k.Proto {
	case ProtocolTCP:
		name = "tcp"
	case ProtocolUDP:
		name = "udp"
	default:
		name = fmt.Sprintf("proto%d", k.Proto)
	}
	return fmt.Sprintf("%s %s -> %s", name, k.Src, k.Dst)
}

// packet is a parsed view over a single raw IP frame.
//
// The payload field aliases the frame buffer and is only valid for
// the duration of the dispatch step: anything that needs to retain
// the payload must copy it first.
type packet struct {
	// key is the flow key extracted from the headers.
	key FlowKey

	// seq is the TCP sequence number (TCP only).
	seq uint32

	// ack is the TCP acknowledgment number (TCP only).
	ack uint32

	// flags contains the TCP flags (TCP only).
	flags uint8

	// window is the advertised window (TCP only).
	window uint16

	// mss is the maximum segment size option, or zero when the
	// segment does not carry one (TCP only).
	mss uint16

	// payload is a zero-copy view over the transport payload.
	payload []byte
}

// parsePacket parses and validates a raw IPv4/IPv6 packet.
//
// Malformed packets are expected noise on a raw interface, so the
// only failure signal is the returned flag: there is no error to
// surface and no state to update.
func parsePacket(frame []byte) (*packet, bool) {
	// 1. we need at least the version nibble
	if len(frame) < 1 {
		return nil, false
	}

	// 2. route on the IP version
	switch frame[0] >> 4 {
	case 4:
		return parseIPv4(frame)
	case 6:
		return parseIPv6(frame)
	default:
		return nil, false
	}
}

// parseIPv4 parses and validates an IPv4 packet.
func parseIPv4(frame []byte) (*packet, bool) {
	// 1. validate the fixed header size
	if len(frame) < 20 {
		return nil, false
	}

	// 2. validate the header length field
	ihl := int(frame[0]&0x0f) * 4
	if ihl < 20 || ihl > len(frame) {
		return nil, false
	}

	// 3. validate the total length field
	totlen := int(binary.BigEndian.Uint16(frame[2:4]))
	if totlen < ihl || totlen > len(frame) {
		return nil, false
	}

	// 4. drop fragments: we neither reassemble nor forward them
	fragField := binary.BigEndian.Uint16(frame[6:8])
	if fragField&0x2000 != 0 || fragField&0x1fff != 0 {
		return nil, false
	}

	// 5. verify the header checksum
	if internetChecksum(frame[:ihl], 0) != 0 {
		return nil, false
	}

	// 6. extract addresses and transport payload
	src, _ := netip.AddrFromSlice(frame[12:16])
	dst, _ := netip.AddrFromSlice(frame[16:20])
	proto := frame[9]
	return parseTransport(proto, src, dst, frame[ihl:totlen])
}

// parseIPv6 parses and validates an IPv6 packet.
//
// We only support TCP/UDP directly following the fixed header:
// packets carrying extension headers are dropped.
func parseIPv6(frame []byte) (*packet, bool) {
	// 1. validate the fixed header size
	if len(frame) < 40 {
		return nil, false
	}

	// 2. validate the payload length field
	paylen := int(binary.BigEndian.Uint16(frame[4:6]))
	if 40+paylen > len(frame) {
		return nil, false
	}

	// 3. extract addresses and transport payload
	src, _ := netip.AddrFromSlice(frame[8:24])
	dst, _ := netip.AddrFromSlice(frame[24:40])
	proto := frame[6]
	return parseTransport(proto, src, dst, frame[40 : 40+paylen])
}

// parseTransport parses the TCP/UDP header inside segment.
func parseTransport(proto uint8, src, dst netip.Addr, segment []byte) (*packet, bool) {
	switch proto {
	case ProtocolTCP:
		return parseTCP(src, dst, segment)
	case ProtocolUDP:
		return parseUDP(src, dst, segment)
	default:
		return nil, false
	}
}

// parseTCP parses and validates a TCP segment.
func parseTCP(src, dst netip.Addr, segment []byte) (*packet, bool) {
	// 1. validate the fixed header size
	if len(segment) < 20 {
		return nil, false
	}

	// 2. validate the data offset field
	dataoff := int(segment[12]>>4) * 4
	if dataoff < 20 || dataoff > len(segment) {
		return nil, false
	}

	// 3. verify the pseudo-header checksum
	if !transportChecksumValid(ProtocolTCP, src, dst, segment) {
		return nil, false
	}

	// 4. build the parsed view
	pkt := &packet{
		key: FlowKey{
			Proto: ProtocolTCP,
			Src:   netip.AddrPortFrom(src, binary.BigEndian.Uint16(segment[0:2])),
			Dst:   netip.AddrPortFrom(dst, binary.BigEndian.Uint16(segment[2:4])),
		},
		seq:     binary.BigEndian.Uint32(segment[4:8]),
		ack:     binary.BigEndian.Uint32(segment[8:12]),
		flags:   segment[13] & 0x1f,
		window:  binary.BigEndian.Uint16(segment[14:16]),
		mss:     parseTCPOptionMSS(segment[20:dataoff]),
		payload: segment[dataoff:],
	}
	return pkt, true
}

// parseTCPOptionMSS extracts the maximum segment size from the TCP
// options, returning zero when the option is absent or mangled. The
// maximum segment size is the only option we honor.
func parseTCPOptionMSS(options []byte) uint16 {
	for len(options) > 0 {
		// 1. end-of-options and no-op have no length byte
		kind := options[0]
		if kind == 0 {
			return 0
		}
		if kind == 1 {
			options = options[1:]
			continue
		}

		// 2. every other option is {kind, length, data...}
		if len(options) < 2 {
			return 0
		}
		length := int(options[1])
		if length < 2 || length > len(options) {
			return 0
		}
		if kind == 2 && length == 4 {
			return binary.BigEndian.Uint16(options[2:4])
		}
		options = options[length:]
	}
	return 0
}

// parseUDP parses and validates a UDP datagram.
func parseUDP(src, dst netip.Addr, segment []byte) (*packet, bool) {
	// 1. validate the fixed header size
	if len(segment) < 8 {
		return nil, false
	}

	// 2. validate the length field
	length := int(binary.BigEndian.Uint16(segment[4:6]))
	if length < 8 || length > len(segment) {
		return nil, false
	}

	// 3. verify the checksum unless it is absent (IPv4 allows zero)
	cksum := binary.BigEndian.Uint16(segment[6:8])
	if cksum != 0 || src.Is6() {
		if !transportChecksumValid(ProtocolUDP, src, dst, segment[:length]) {
			return nil, false
		}
	}

	// 4. build the parsed view
	pkt := &packet{
		key: FlowKey{
			Proto: ProtocolUDP,
			Src:   netip.AddrPortFrom(src, binary.BigEndian.Uint16(segment[0:2])),
			Dst:   netip.AddrPortFrom(dst, binary.BigEndian.Uint16(segment[2:4])),
		},
		payload: segment[8:length],
	}
	return pkt, true
}
