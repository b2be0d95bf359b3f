// SPDX-License-Identifier: GPL-3.0-or-later

package uip

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serializeFrame builds a reference packet using gopacket, which
// gives us independently computed lengths and checksums.
func serializeFrame(t *testing.T, lrs ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, lrs...))
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out
}

func TestParsePacketTCPIPv4(t *testing.T) {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP("10.0.0.2").To4(),
		DstIP:    net.ParseIP("10.0.0.1").To4(),
	}
	tcp := &layers.TCP{
		SrcPort: 50000,
		DstPort: 443,
		Seq:     100,
		Ack:     7,
		PSH:     true,
		ACK:     true,
		Window:  8192,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	frame := serializeFrame(t, ip, tcp, gopacket.Payload([]byte("hello")))

	pkt, good := parsePacket(frame)
	require.True(t, good)
	assert.Equal(t, uint8(ProtocolTCP), pkt.key.Proto)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.2:50000"), pkt.key.Src)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:443"), pkt.key.Dst)
	assert.Equal(t, uint32(100), pkt.seq)
	assert.Equal(t, uint32(7), pkt.ack)
	assert.Equal(t, uint8(flagPSH|flagACK), pkt.flags)
	assert.Equal(t, uint16(8192), pkt.window)
	assert.Equal(t, []byte("hello"), pkt.payload)
}

func TestParsePacketTCPIPv6(t *testing.T) {
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: layers.IPProtocolTCP,
		SrcIP:      net.ParseIP("2001:db8::2"),
		DstIP:      net.ParseIP("2001:db8::1"),
	}
	tcp := &layers.TCP{
		SrcPort: 50000,
		DstPort: 443,
		Seq:     200,
		SYN:     true,
		Window:  4096,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	frame := serializeFrame(t, ip, tcp)

	pkt, good := parsePacket(frame)
	require.True(t, good)
	assert.Equal(t, netip.MustParseAddrPort("[2001:db8::2]:50000"), pkt.key.Src)
	assert.Equal(t, netip.MustParseAddrPort("[2001:db8::1]:443"), pkt.key.Dst)
	assert.Equal(t, uint8(flagSYN), pkt.flags)
	assert.Empty(t, pkt.payload)
}

func TestParsePacketUDPIPv4(t *testing.T) {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP("10.0.0.2").To4(),
		DstIP:    net.ParseIP("10.0.0.1").To4(),
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	frame := serializeFrame(t, ip, udp, gopacket.Payload([]byte("query")))

	pkt, good := parsePacket(frame)
	require.True(t, good)
	assert.Equal(t, uint8(ProtocolUDP), pkt.key.Proto)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.2:40000"), pkt.key.Src)
	assert.Equal(t, []byte("query"), pkt.payload)
}

func TestParsePacketUDPIPv4ZeroChecksum(t *testing.T) {
	// a zero UDP checksum means "no checksum" on IPv4
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP("10.0.0.2").To4(),
		DstIP:    net.ParseIP("10.0.0.1").To4(),
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: 53}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	frame := serializeFrame(t, ip, udp, gopacket.Payload([]byte("query")))
	frame[26], frame[27] = 0, 0 // zero the UDP checksum

	pkt, good := parsePacket(frame)
	require.True(t, good)
	assert.Equal(t, []byte("query"), pkt.payload)
}

func TestParsePacketDiscardCases(t *testing.T) {
	buildTCP := func(t *testing.T) []byte {
		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    net.ParseIP("10.0.0.2").To4(),
			DstIP:    net.ParseIP("10.0.0.1").To4(),
		}
		tcp := &layers.TCP{SrcPort: 50000, DstPort: 443, SYN: true}
		require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
		return serializeFrame(t, ip, tcp, gopacket.Payload([]byte("data")))
	}

	t.Run("empty_frame", func(t *testing.T) {
		_, good := parsePacket(nil)
		assert.False(t, good)
	})

	t.Run("unknown_ip_version", func(t *testing.T) {
		_, good := parsePacket([]byte{0x50, 0x00, 0x00, 0x00})
		assert.False(t, good)
	})

	t.Run("truncated_ipv4_header", func(t *testing.T) {
		frame := buildTCP(t)
		_, good := parsePacket(frame[:16])
		assert.False(t, good)
	})

	t.Run("total_length_beyond_frame", func(t *testing.T) {
		frame := buildTCP(t)
		_, good := parsePacket(frame[:len(frame)-2])
		assert.False(t, good)
	})

	t.Run("corrupted_ipv4_checksum", func(t *testing.T) {
		frame := buildTCP(t)
		frame[10] ^= 0xff
		_, good := parsePacket(frame)
		assert.False(t, good)
	})

	t.Run("corrupted_tcp_checksum", func(t *testing.T) {
		frame := buildTCP(t)
		frame[len(frame)-1] ^= 0xff // flip a payload byte
		_, good := parsePacket(frame)
		assert.False(t, good)
	})

	t.Run("unknown_transport", func(t *testing.T) {
		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: layers.IPProtocolICMPv4,
			SrcIP:    net.ParseIP("10.0.0.2").To4(),
			DstIP:    net.ParseIP("10.0.0.1").To4(),
		}
		icmp := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(8, 0)}
		frame := serializeFrame(t, ip, icmp)
		_, good := parsePacket(frame)
		assert.False(t, good)
	})

	t.Run("ipv4_fragment", func(t *testing.T) {
		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			Flags:    layers.IPv4MoreFragments,
			SrcIP:    net.ParseIP("10.0.0.2").To4(),
			DstIP:    net.ParseIP("10.0.0.1").To4(),
		}
		udp := &layers.UDP{SrcPort: 40000, DstPort: 53}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
		frame := serializeFrame(t, ip, udp, gopacket.Payload([]byte("frag")))
		_, good := parsePacket(frame)
		assert.False(t, good)
	})

	t.Run("corrupted_udp_ipv6_checksum", func(t *testing.T) {
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      net.ParseIP("2001:db8::2"),
			DstIP:      net.ParseIP("2001:db8::1"),
		}
		udp := &layers.UDP{SrcPort: 40000, DstPort: 53}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
		frame := serializeFrame(t, ip, udp, gopacket.Payload([]byte("query")))
		frame[len(frame)-1] ^= 0xff
		_, good := parsePacket(frame)
		assert.False(t, good)
	})

	t.Run("truncated_tcp_header", func(t *testing.T) {
		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    net.ParseIP("10.0.0.2").To4(),
			DstIP:    net.ParseIP("10.0.0.1").To4(),
		}
		// hand-build a frame whose total length covers only half
		// a TCP header
		tcp := &layers.TCP{SrcPort: 50000, DstPort: 443, SYN: true}
		require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
		frame := serializeFrame(t, ip, tcp)
		frame = frame[:30]
		frame[2], frame[3] = 0, 30 // total length
		frame[10], frame[11] = 0, 0
		cksum := internetChecksum(frame[:20], 0)
		frame[10] = byte(cksum >> 8)
		frame[11] = byte(cksum)
		_, good := parsePacket(frame)
		assert.False(t, good)
	})
}

func TestParseTCPOptionMSS(t *testing.T) {
	cases := []struct {
		name    string
		options []byte
		expect  uint16
	}{
		{"no options", nil, 0},
		{"mss alone", []byte{2, 4, 0x05, 0xb4}, 1460},
		{"nops then mss", []byte{1, 1, 2, 4, 0x23, 0x28}, 9000},
		{"other option then mss", []byte{3, 3, 7, 2, 4, 0x05, 0xb4}, 1460},
		{"end of options before mss", []byte{0, 2, 4, 0x05, 0xb4}, 0},
		{"truncated kind", []byte{2}, 0},
		{"bad length", []byte{2, 1}, 0},
		{"length beyond buffer", []byte{2, 4, 0x05}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expect, parseTCPOptionMSS(tc.options))
		})
	}
}
