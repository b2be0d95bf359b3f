//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/netem/blob/061c5671b52a2c064cac1de5d464bb056f7ccaa8/unetstack.go
//

package uip

import (
	"context"
	"net"
	"net/netip"
	"syscall"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
)

// Connector dials [net.Conn] connections pretty much like a
// [*net.Dialer] except that here the networking backend is a
// [*PeerStack]. Together with [ListenConfig] it lets tests and
// benchmarks drive the peer side of the link with stdlib-looking
// code while the engine [*Stack] answers on the other side.
//
// The zero value is invalid. Construct using [NewConnector].
//
// Only IP literal endpoints are supported. Dialing a hostname fails.
type Connector struct {
	// peer is the peer stack to use.
	peer *PeerStack
}

// NewConnector creates a new [*Connector] instance.
func NewConnector(peer *PeerStack) *Connector {
	return &Connector{peer: peer}
}

// DialContext creates a new [net.Conn] connection.
func (c *Connector) DialContext(ctx context.Context, network string, address string) (net.Conn, error) {
	// 1. parse the address into a [netip.AddrPort]
	addrport, err := netip.ParseAddrPort(address)
	if err != nil {
		return nil, err
	}

	// 2. dial using either TCP or UDP
	var conn net.Conn
	switch network {
	case "tcp":
		conn, err = c.peer.DialTCP(ctx, addrport)

	case "udp":
		conn, err = c.peer.DialUDP(addrport)

	default:
		return nil, syscall.EPROTOTYPE
	}

	// 3. remap the error on failure
	if err != nil {
		return nil, remapGvisorError(err)
	}

	// 4. wrap conn to correctly remap errors
	return &facadeConn{conn}, nil
}

// ListenConfig listens pretty much like a [*net.ListenConfig] except
// that here the networking backend is a [*PeerStack].
//
// The zero value is invalid. Construct using [NewListenConfig].
//
// Only IP literal endpoints are supported. Listening on a hostname fails.
type ListenConfig struct {
	// peer is the peer stack to use.
	peer *PeerStack
}

// NewListenConfig creates a new [*ListenConfig] instance.
func NewListenConfig(peer *PeerStack) *ListenConfig {
	return &ListenConfig{peer: peer}
}

// Listen creates a listening TCP socket.
func (lc *ListenConfig) Listen(ctx context.Context, network, address string) (net.Listener, error) {
	// 1. reject networks different from tcp
	if network != "tcp" {
		return nil, syscall.EPROTOTYPE
	}

	// 2. convert to [netip.AddrPort]
	addrport, err := netip.ParseAddrPort(address)
	if err != nil {
		return nil, err
	}

	// 3. create the listener
	listener, err := lc.peer.ListenTCP(addrport)
	if err != nil {
		return nil, remapGvisorError(err)
	}

	// 4. wrap the listener to remap the errors
	return &facadeListener{listener}, nil
}

// ListenPacket creates a listening packet conn.
func (lc *ListenConfig) ListenPacket(ctx context.Context, network, address string) (net.PacketConn, error) {
	// 1. reject networks different from udp
	if network != "udp" {
		return nil, syscall.EPROTOTYPE
	}

	// 2. convert to [netip.AddrPort]
	addrport, err := netip.ParseAddrPort(address)
	if err != nil {
		return nil, err
	}

	// 3. create a UDP connection
	pconn, err := lc.peer.ListenUDP(addrport)
	if err != nil {
		return nil, remapGvisorError(err)
	}

	// 4. wrap the connection to remap the errors
	return &facadePacketConn{pconn}, nil
}

// facadeConn wraps a [net.Conn] to remap gVisor errors so that we
// can emulate stdlib errors.
type facadeConn struct {
	conn net.Conn
}

var _ net.Conn = &facadeConn{}

// Close implements [net.Conn].
func (fc *facadeConn) Close() error {
	return fc.conn.Close()
}

// LocalAddr implements [net.Conn].
func (fc *facadeConn) LocalAddr() net.Addr {
	return fc.conn.LocalAddr()
}

// Read implements [net.Conn].
func (fc *facadeConn) Read(buf []byte) (int, error) {
	count, err := fc.conn.Read(buf)
	return count, remapGvisorError(err)
}

// RemoteAddr implements [net.Conn].
func (fc *facadeConn) RemoteAddr() net.Addr {
	return fc.conn.RemoteAddr()
}

// SetDeadline implements [net.Conn].
func (fc *facadeConn) SetDeadline(t time.Time) error {
	return fc.conn.SetDeadline(t)
}

// SetReadDeadline implements [net.Conn].
func (fc *facadeConn) SetReadDeadline(t time.Time) error {
	return fc.conn.SetReadDeadline(t)
}

// SetWriteDeadline implements [net.Conn].
func (fc *facadeConn) SetWriteDeadline(t time.Time) error {
	return fc.conn.SetWriteDeadline(t)
}

// Write implements [net.Conn].
func (fc *facadeConn) Write(data []byte) (int, error) {
	count, err := fc.conn.Write(data)
	return count, remapGvisorError(err)
}

// facadeListener wraps a [net.Listener] to remap gVisor errors.
type facadeListener struct {
	listener *gonet.TCPListener
}

var _ net.Listener = &facadeListener{}

// Accept implements [net.Listener].
func (fl *facadeListener) Accept() (net.Conn, error) {
	conn, err := fl.listener.Accept()
	if err != nil {
		return nil, remapGvisorError(err)
	}
	return &facadeConn{conn}, nil
}

// Addr implements [net.Listener].
func (fl *facadeListener) Addr() net.Addr {
	return fl.listener.Addr()
}

// Close implements [net.Listener].
func (fl *facadeListener) Close() error {
	return fl.listener.Close()
}

// facadePacketConn wraps a [net.PacketConn] to remap gVisor errors.
type facadePacketConn struct {
	pconn *gonet.UDPConn
}

var _ net.PacketConn = &facadePacketConn{}

// Close implements [net.PacketConn].
func (fp *facadePacketConn) Close() error {
	return fp.pconn.Close()
}

// LocalAddr implements [net.PacketConn].
func (fp *facadePacketConn) LocalAddr() net.Addr {
	return fp.pconn.LocalAddr()
}

// ReadFrom implements [net.PacketConn].
func (fp *facadePacketConn) ReadFrom(buf []byte) (int, net.Addr, error) {
	count, addr, err := fp.pconn.ReadFrom(buf)
	return count, addr, remapGvisorError(err)
}

// SetDeadline implements [net.PacketConn].
func (fp *facadePacketConn) SetDeadline(t time.Time) error {
	return fp.pconn.SetDeadline(t)
}

// SetReadDeadline implements [net.PacketConn].
func (fp *facadePacketConn) SetReadDeadline(t time.Time) error {
	return fp.pconn.SetReadDeadline(t)
}

// SetWriteDeadline implements [net.PacketConn].
func (fp *facadePacketConn) SetWriteDeadline(t time.Time) error {
	return fp.pconn.SetWriteDeadline(t)
}

// WriteTo implements [net.PacketConn].
func (fp *facadePacketConn) WriteTo(pkt []byte, addr net.Addr) (int, error) {
	count, err := fp.pconn.WriteTo(pkt, addr)
	return count, remapGvisorError(err)
}
