//
// SPDX-License-Identifier: MIT
//
// Adapted from: https://github.com/ooni/netem/blob/061c5671b52a2c064cac1de5d464bb056f7ccaa8/gvisor.go
// Adapted from: https://github.com/WireGuard/wireguard-go
//

package uip

import (
	"context"
	"errors"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

// PeerStack is a full gVisor network stack attached to a [Device],
// playing the role of the host on the other side of the link. It is
// the natural counterpart of a [*Stack] in tests and benchmarks:
// connect the two with [NewMemoryDevicePair], hand one end to each,
// and the peer's standard TCP/UDP implementation exercises the
// engine over real packets.
//
// Construct using [NewPeerStack].
type PeerStack struct {
	// Stack is the underlying gVisor stack.
	Stack *stack.Stack
}

// peerNICID is the NIC ID used by [NewPeerStack] for the single NIC
// configuration.
const peerNICID = 1

// NewPeerStack creates a new [*PeerStack] reading and writing raw IP
// packets through the given device. The stack owns the device.
func NewPeerStack(mtu uint32, dev Device, addrs ...netip.Addr) (*PeerStack, error) {
	// 1. create options for the new stack
	stackOptions := stack.Options{
		NetworkProtocols: []stack.NetworkProtocolFactory{
			ipv4.NewProtocol,
			ipv6.NewProtocol,
		},
		TransportProtocols: []stack.TransportProtocolFactory{
			tcp.NewProtocol,
			udp.NewProtocol,
			icmp.NewProtocol4,
			icmp.NewProtocol6,
		},
		HandleLocal: true,
	}

	// 2. create the network stack itself
	nsp := stack.New(stackOptions)

	// 3. attach the device to the gvisor stack through a NIC
	if err := nsp.CreateNIC(peerNICID, newPeerNIC(mtu, dev)); err != nil {
		return nil, errors.New(err.String())
	}

	// 4. configure all the provided addresses
	for _, addr := range addrs {
		protoAddr := peerAddrToProtocolAddress(addr)
		properties := stack.AddressProperties{}
		if err := nsp.AddProtocolAddress(peerNICID, protoAddr, properties); err != nil {
			return nil, errors.New(err.String())
		}
	}

	// 5. add default routes for both protocol families
	nsp.AddRoute(tcpip.Route{
		Destination: header.IPv4EmptySubnet,
		NIC:         peerNICID,
	})
	nsp.AddRoute(tcpip.Route{
		Destination: header.IPv6EmptySubnet,
		NIC:         peerNICID,
	})

	return &PeerStack{nsp}, nil
}

func peerAddrToProtocolAddress(addr netip.Addr) tcpip.ProtocolAddress {
	switch {
	case addr.Is4():
		return tcpip.ProtocolAddress{
			Protocol:          ipv4.ProtocolNumber,
			AddressWithPrefix: tcpip.AddrFromSlice(addr.AsSlice()).WithPrefix(),
		}

	default:
		return tcpip.ProtocolAddress{
			Protocol:          ipv6.ProtocolNumber,
			AddressWithPrefix: tcpip.AddrFromSlice(addr.AsSlice()).WithPrefix(),
		}
	}
}

// DialTCP establishes a new [*gonet.TCPConn].
func (sx *PeerStack) DialTCP(ctx context.Context, addr netip.AddrPort) (*gonet.TCPConn, error) {
	return gonet.DialContextTCP(ctx, sx.Stack, peerAddrPortToFullAddress(addr),
		peerAddrPortToNetworkProtocolNumber(addr))
}

// ListenTCP creates a new [*gonet.TCPListener].
func (sx *PeerStack) ListenTCP(addr netip.AddrPort) (*gonet.TCPListener, error) {
	return gonet.ListenTCP(sx.Stack, peerAddrPortToFullAddress(addr),
		peerAddrPortToNetworkProtocolNumber(addr))
}

// DialUDP creates a new connected [*gonet.UDPConn].
func (sx *PeerStack) DialUDP(addr netip.AddrPort) (*gonet.UDPConn, error) {
	raddr := peerAddrPortToFullAddress(addr)
	return gonet.DialUDP(sx.Stack, nil, &raddr, peerAddrPortToNetworkProtocolNumber(addr))
}

// ListenUDP creates a new listening [*gonet.UDPConn].
func (sx *PeerStack) ListenUDP(addr netip.AddrPort) (*gonet.UDPConn, error) {
	laddr := peerAddrPortToFullAddress(addr)
	return gonet.DialUDP(sx.Stack, &laddr, nil, peerAddrPortToNetworkProtocolNumber(addr))
}

func peerAddrPortToFullAddress(epnt netip.AddrPort) tcpip.FullAddress {
	// In a single-NIC config, unspecified addresses (`0.0.0.0` or `::`) work as expected
	// when bound to the NIC - they'll accept connections on any configured address.
	return tcpip.FullAddress{
		NIC:  peerNICID,
		Addr: tcpip.AddrFromSlice(epnt.Addr().AsSlice()),
		Port: epnt.Port(),
	}
}

func peerAddrPortToNetworkProtocolNumber(epnt netip.AddrPort) tcpip.NetworkProtocolNumber {
	switch {
	case epnt.Addr().Is4():
		return ipv4.ProtocolNumber
	default:
		return ipv6.ProtocolNumber
	}
}

// Close shuts down the stack and waits for the NIC teardown to finish.
func (sx *PeerStack) Close() {
	sx.Stack.Destroy()
}
