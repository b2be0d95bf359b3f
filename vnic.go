// SPDX-License-Identifier: GPL-3.0-or-later

package uip

import (
	"errors"
	"io"
	"sync"

	"github.com/bassosimone/runtimex"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// peerNIC bridges a [Device] into a gVisor [stack.LinkEndpoint] so
// that a [*PeerStack] can exchange raw IP packets with a [*Stack]
// attached to the other end of the same link.
//
// To send packets, [stack.Stack] invokes [*peerNIC.WritePackets],
// which writes frames to the device. To receive packets, a background
// goroutine started by [*peerNIC.Attach] reads frames from the device
// and hands them to the [stack.NetworkDispatcher].
//
// Construct using [newPeerNIC].
type peerNIC struct {
	// closefunc is the function invoked on close.
	closefunc func()

	// dev is the device carrying raw IP packets.
	dev Device

	// disp is set by Attach and used to deliver inbound packets.
	disp stack.NetworkDispatcher

	// isclosed indicates this NIC should not accept more work.
	isclosed bool

	// laddr is the [tcpip.LinkAddress] to use.
	laddr tcpip.LinkAddress

	// mtu holds the link MTU.
	mtu uint32

	// mu provides mutual exclusion.
	mu sync.RWMutex

	// reading indicates the read loop has been started.
	reading bool

	// wg joins the read loop on Wait.
	wg sync.WaitGroup
}

// newPeerNIC creates a new [*peerNIC] reading from and writing to
// the given device.
func newPeerNIC(mtu uint32, dev Device) *peerNIC {
	return &peerNIC{
		closefunc: nil,
		dev:       dev,
		disp:      nil,
		isclosed:  false,
		laddr:     "",
		mtu:       mtu,
		mu:        sync.RWMutex{},
		reading:   false,
		wg:        sync.WaitGroup{},
	}
}

// Ensure that [*peerNIC] implements [stack.LinkEndpoint].
var _ stack.LinkEndpoint = &peerNIC{}

// ARPHardwareType implements [stack.LinkEndpoint].
func (n *peerNIC) ARPHardwareType() header.ARPHardwareType {
	return header.ARPHardwareNone
}

// AddHeader implements [stack.LinkEndpoint].
func (n *peerNIC) AddHeader(pbuf *stack.PacketBuffer) {
	// nothing to do here because we send raw IP packets
}

// Attach implements [stack.LinkEndpoint].
func (n *peerNIC) Attach(disp stack.NetworkDispatcher) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.isclosed {
		return
	}
	n.disp = disp // setting nil implies detaching the dispatcher
	if disp != nil && !n.reading {
		n.reading = true
		n.wg.Add(1)
		go n.readLoop()
	}
}

// Capabilities implements [stack.LinkEndpoint].
func (n *peerNIC) Capabilities() stack.LinkEndpointCapabilities {
	return 0 // no capabilities for now
}

// Close implements [stack.LinkEndpoint].
func (n *peerNIC) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.isclosed {
		n.isclosed = true
		n.disp = nil
		_ = n.dev.Close() // unblocks the read loop
		if n.closefunc != nil {
			n.closefunc()
		}
	}
}

// IsAttached implements [stack.LinkEndpoint].
func (n *peerNIC) IsAttached() bool {
	n.mu.RLock()
	attached := n.disp != nil && !n.isclosed
	n.mu.RUnlock()
	return attached
}

// LinkAddress implements [stack.LinkEndpoint].
func (n *peerNIC) LinkAddress() tcpip.LinkAddress {
	n.mu.RLock()
	value := n.laddr
	n.mu.RUnlock()
	return value
}

// MTU implements [stack.LinkEndpoint].
func (n *peerNIC) MTU() uint32 {
	n.mu.RLock()
	value := n.mtu
	n.mu.RUnlock()
	return value
}

// MaxHeaderLength implements [stack.LinkEndpoint].
func (n *peerNIC) MaxHeaderLength() uint16 {
	return 0 // we send raw IP packets
}

// ParseHeader implements [stack.LinkEndpoint].
func (n *peerNIC) ParseHeader(pbuf *stack.PacketBuffer) bool {
	return true // no header to parse
}

// SetLinkAddress implements [stack.LinkEndpoint].
func (n *peerNIC) SetLinkAddress(addr tcpip.LinkAddress) {
	n.mu.Lock()
	n.laddr = addr
	n.mu.Unlock()
}

// SetMTU implements [stack.LinkEndpoint].
func (n *peerNIC) SetMTU(mtu uint32) {
	n.mu.Lock()
	n.mtu = mtu
	n.mu.Unlock()
}

// SetOnCloseAction implements [stack.LinkEndpoint].
func (n *peerNIC) SetOnCloseAction(action func()) {
	n.mu.Lock()
	n.closefunc = action
	n.mu.Unlock()
}

// Wait implements [stack.LinkEndpoint].
func (n *peerNIC) Wait() {
	n.wg.Wait()
}

// WritePackets implements [stack.LinkEndpoint].
func (n *peerNIC) WritePackets(pkts stack.PacketBufferList) (int, tcpip.Error) {
	// 1. access mutex protected fields
	n.mu.RLock()
	isclosed := n.isclosed
	mtu := n.mtu
	n.mu.RUnlock()

	// 2. bail if the NIC has been closed
	if isclosed {
		return 0, nil
	}

	// 3. try sending the packets
	var numSent int
	for _, pb := range pkts.AsSlice() {
		// 3.1. serialize the packet buffer to bytes
		payload := peerPacketBufferToBytes(pb)
		if len(payload) <= 0 {
			continue
		}

		// 3.2. drop the packet if larger than the MTU
		if uint32(len(payload)) > mtu {
			continue
		}

		// 3.3. deliver the frame to the device
		if _, err := n.dev.WriteFrame(payload); err != nil {
			continue
		}
		numSent++
	}

	// 4. return number of packets sent
	return numSent, nil
}

// readLoop moves raw IP packets from the device into netstack.
func (n *peerNIC) readLoop() {
	defer n.wg.Done()
	buf := make([]byte, int(n.MTU()))
	for {
		// 1. read the next raw IP packet
		count, err := n.dev.ReadFrame(buf)
		if err != nil {
			if errors.Is(err, io.ErrShortBuffer) {
				continue
			}
			return
		}
		pkt := buf[:count]
		if len(pkt) <= 0 {
			continue
		}

		// 2. obtain the corresponding network protocol
		proto, good := peerDetectNetworkProtocol(pkt)
		if !good {
			continue
		}

		// 3. access mutex protected fields
		n.mu.RLock()
		disp := n.disp
		isclosed := n.isclosed
		n.mu.RUnlock()

		// 4. do not deliver if closed or detached
		if isclosed || disp == nil {
			return
		}

		// 5. deliver A COPY OF the raw network packet
		copied := make([]byte, len(pkt))
		copy(copied, pkt)
		pkb := stack.NewPacketBuffer(stack.PacketBufferOptions{
			Payload: buffer.MakeWithData(copied),
		})
		disp.DeliverNetworkPacket(proto, pkb)
	}
}

// peerDetectNetworkProtocol extracts the protocol number from the raw
// packet bytes.
//
// This function PANICs if the given pkt is zero length.
func peerDetectNetworkProtocol(pkt []byte) (tcpip.NetworkProtocolNumber, bool) {
	runtimex.Assert(len(pkt) > 0)
	switch pkt[0] >> 4 {
	case 4:
		return ipv4.ProtocolNumber, true
	case 6:
		return ipv6.ProtocolNumber, true
	default:
		return 0, false
	}
}

// peerPacketBufferToBytes returns a slice containing A COPY OF the
// packet bytes.
func peerPacketBufferToBytes(pb *stack.PacketBuffer) []byte {
	v := pb.ToView()
	out := make([]byte, v.Size())
	_ = runtimex.PanicOnError1(v.Read(out))
	return out
}
