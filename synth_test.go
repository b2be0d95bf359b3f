// SPDX-License-Identifier: GPL-3.0-or-later

package uip

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func synthTestKey(proto uint8) FlowKey {
	return FlowKey{
		Proto: proto,
		Src:   netip.MustParseAddrPort("10.0.0.2:50000"),
		Dst:   netip.MustParseAddrPort("10.0.0.1:443"),
	}
}

func TestSynthesizerTCPIPv4(t *testing.T) {
	s := newSynthesizer(synthTestKey(ProtocolTCP), MTUEthernet)
	frame := s.tcp(1000, 2000, flagSYN|flagACK, 8192, []byte("hi"))

	// our own parser validates both checksums and swaps nothing,
	// so the parsed key must be the reverse of the flow key
	parsed, good := parsePacket(frame)
	require.True(t, good)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:443"), parsed.key.Src)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.2:50000"), parsed.key.Dst)
	assert.Equal(t, uint32(1000), parsed.seq)
	assert.Equal(t, uint32(2000), parsed.ack)
	assert.Equal(t, uint8(flagSYN|flagACK), parsed.flags)
	assert.Equal(t, uint16(8192), parsed.window)
	assert.Equal(t, []byte("hi"), parsed.payload)
	assert.Equal(t, uint8(ttlDefault), frame[8])

	// cross-check the encoding with gopacket
	decoded := gopacket.NewPacket(frame, layers.LayerTypeIPv4, gopacket.Default)
	require.Nil(t, decoded.ErrorLayer())
	tcpLayer, ok := decoded.Layer(layers.LayerTypeTCP).(*layers.TCP)
	require.True(t, ok)
	assert.Equal(t, layers.TCPPort(443), tcpLayer.SrcPort)
	assert.Equal(t, layers.TCPPort(50000), tcpLayer.DstPort)
	assert.True(t, tcpLayer.SYN)
	assert.True(t, tcpLayer.ACK)
}

func TestSynthesizerTCPIPv6(t *testing.T) {
	key := FlowKey{
		Proto: ProtocolTCP,
		Src:   netip.MustParseAddrPort("[2001:db8::2]:50000"),
		Dst:   netip.MustParseAddrPort("[2001:db8::1]:443"),
	}
	s := newSynthesizer(key, MTUEthernet)
	frame := s.tcp(7, 9, flagACK, 1024, []byte("payload"))

	parsed, good := parsePacket(frame)
	require.True(t, good)
	assert.Equal(t, key.Dst, parsed.key.Src)
	assert.Equal(t, key.Src, parsed.key.Dst)
	assert.Equal(t, []byte("payload"), parsed.payload)
}

func TestSynthesizerUDPIPv4(t *testing.T) {
	s := newSynthesizer(synthTestKey(ProtocolUDP), MTUEthernet)
	frames, sent := s.udp([]byte("response"), false)
	require.True(t, sent)
	require.Len(t, frames, 1)

	parsed, good := parsePacket(frames[0])
	require.True(t, good)
	assert.Equal(t, uint8(ProtocolUDP), parsed.key.Proto)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:443"), parsed.key.Src)
	assert.Equal(t, []byte("response"), parsed.payload)
}

func TestSynthesizerUDPOversizedDropped(t *testing.T) {
	const mtu = 600
	s := newSynthesizer(synthTestKey(ProtocolUDP), mtu)

	frames, sent := s.udp(make([]byte, 1000), false)
	assert.False(t, sent)
	assert.Nil(t, frames)
}

func TestSynthesizerUDPOversizedIPv6NeverFragments(t *testing.T) {
	key := FlowKey{
		Proto: ProtocolUDP,
		Src:   netip.MustParseAddrPort("[2001:db8::2]:50000"),
		Dst:   netip.MustParseAddrPort("[2001:db8::1]:53"),
	}
	s := newSynthesizer(key, 600)

	frames, sent := s.udp(make([]byte, 1000), true)
	assert.False(t, sent)
	assert.Nil(t, frames)
}

func TestSynthesizerUDPFragmentation(t *testing.T) {
	const mtu = 600
	s := newSynthesizer(synthTestKey(ProtocolUDP), mtu)

	payload := make([]byte, 1000)
	for idx := range payload {
		payload[idx] = byte(idx)
	}
	frames, sent := s.udp(payload, true)
	require.True(t, sent)
	require.Greater(t, len(frames), 1)

	// reassemble by hand following the fragment offsets
	reassembled := make([]byte, udpHeaderLen+len(payload))
	for idx, frame := range frames {
		require.LessOrEqual(t, len(frame), mtu)
		fragField := binary.BigEndian.Uint16(frame[6:8])
		offset := int(fragField&0x1fff) * 8
		more := fragField&0x2000 != 0
		assert.Equal(t, idx < len(frames)-1, more)
		chunk := frame[ipv4HeaderLen:]
		if more {
			assert.Zero(t, len(chunk)%8)
		}
		copy(reassembled[offset:], chunk)

		// every fragment shares the IP identification
		assert.Equal(t, binary.BigEndian.Uint16(frames[0][4:6]),
			binary.BigEndian.Uint16(frame[4:6]))
	}

	// the reassembled datagram carries the right ports, length,
	// checksum, and payload
	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	require.True(t, transportChecksumValid(ProtocolUDP, src, dst, reassembled))
	assert.Equal(t, uint16(443), binary.BigEndian.Uint16(reassembled[0:2]))
	assert.Equal(t, uint16(50000), binary.BigEndian.Uint16(reassembled[2:4]))
	assert.Equal(t, uint16(len(reassembled)), binary.BigEndian.Uint16(reassembled[4:6]))
	assert.Equal(t, payload, reassembled[udpHeaderLen:])
}

func TestSynthesizerPayloadBounds(t *testing.T) {
	s4 := newSynthesizer(synthTestKey(ProtocolTCP), MTUEthernet)
	assert.Equal(t, MTUEthernet-ipv4HeaderLen-tcpHeaderLen, s4.maxTCPPayload())
	assert.Equal(t, MTUEthernet-ipv4HeaderLen-udpHeaderLen, s4.maxUDPPayload())

	key6 := FlowKey{
		Proto: ProtocolTCP,
		Src:   netip.MustParseAddrPort("[2001:db8::2]:50000"),
		Dst:   netip.MustParseAddrPort("[2001:db8::1]:443"),
	}
	s6 := newSynthesizer(key6, MTUEthernet)
	assert.Equal(t, MTUEthernet-ipv6HeaderLen-tcpHeaderLen, s6.maxTCPPayload())
}

func TestSynthesizerTCPMSSOption(t *testing.T) {
	s := newSynthesizer(synthTestKey(ProtocolTCP), MTUEthernet)
	frame := s.tcpMSS(1000, 2000, flagSYN|flagACK, 8192)

	// our parser must report the advertised maximum segment size
	parsed, good := parsePacket(frame)
	require.True(t, good)
	assert.Equal(t, uint16(s.maxTCPPayload()), parsed.mss)
	assert.Empty(t, parsed.payload)

	// cross-check the option encoding with gopacket
	decoded := gopacket.NewPacket(frame, layers.LayerTypeIPv4, gopacket.Default)
	require.Nil(t, decoded.ErrorLayer())
	tcpLayer, ok := decoded.Layer(layers.LayerTypeTCP).(*layers.TCP)
	require.True(t, ok)
	require.Len(t, tcpLayer.Options, 1)
	assert.Equal(t, layers.TCPOptionKind(layers.TCPOptionKindMSS), tcpLayer.Options[0].OptionType)
	assert.Equal(t, uint16(s.maxTCPPayload()),
		binary.BigEndian.Uint16(tcpLayer.Options[0].OptionData))
}
