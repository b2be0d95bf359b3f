// SPDX-License-Identifier: GPL-3.0-or-later

package uip

import "errors"

// This file implements the frame adapter: the thin shim between the
// [Device] and the parser/synthesizer. Its only job is stripping and
// prepending the optional TUN packet-information prefix.

// The packet-information prefix is four bytes: two flag bytes
// followed by the EtherType of the enclosed packet.
var (
	// tunFlags contains the two (unused) flag bytes.
	tunFlags = [2]byte{0x00, 0x00}

	// tunProtoIPv4 is the EtherType of IPv4.
	tunProtoIPv4 = [2]byte{0x08, 0x00}

	// tunProtoIPv6 is the EtherType of IPv6.
	tunProtoIPv6 = [2]byte{0x86, 0xdd}
)

// errFrameTooShort indicates that a frame is too short to contain
// the packet-information prefix.
var errFrameTooShort = errors.New("uip: frame too short")

// frameAdapter adapts a [Device] exchanging possibly-prefixed frames
// into a source and sink of raw IP packets.
type frameAdapter struct {
	// dev is the underlying device.
	dev Device

	// packetInfo indicates whether frames carry the prefix.
	packetInfo bool
}

// recvPacket reads the next frame using buf as scratch space and
// returns the raw IP packet view inside buf.
func (fa *frameAdapter) recvPacket(buf []byte) ([]byte, error) {
	// 1. read the next frame from the device
	count, err := fa.dev.ReadFrame(buf)
	if err != nil {
		return nil, err
	}

	// 2. strip the packet-information prefix when configured
	frame := buf[:count]
	if fa.packetInfo {
		if len(frame) < 4 {
			return nil, errFrameTooShort
		}
		frame = frame[4:]
	}
	return frame, nil
}

// sendPacket writes a raw IP packet to the device, prepending the
// packet-information prefix when configured.
func (fa *frameAdapter) sendPacket(pkt []byte) error {
	// 1. without packet information just write the packet
	if !fa.packetInfo {
		_, err := fa.dev.WriteFrame(pkt)
		return err
	}

	// 2. otherwise select the EtherType from the version nibble
	proto := tunProtoIPv4
	if len(pkt) > 0 && pkt[0]>>4 == 6 {
		proto = tunProtoIPv6
	}

	// 3. assemble and write the prefixed frame
	frame := make([]byte, 0, 4+len(pkt))
	frame = append(frame, tunFlags[:]...)
	frame = append(frame, proto[:]...)
	frame = append(frame, pkt...)
	_, err := fa.dev.WriteFrame(frame)
	return err
}
