// SPDX-License-Identifier: GPL-3.0-or-later

package uip

import (
	"net"
	"sync"
	"time"
)

// Stream is a flow accepted from a [*Stack].
//
// A Stream implements [net.Conn]. For TCP flows, reads and writes
// follow byte-stream semantics; for UDP sessions, each Read returns
// one datagram (truncating it when the buffer is too small) and each
// Write sends one datagram.
//
// Closing a Stream starts the underlying flow's close sequence: FIN
// handshake for TCP, immediate removal for UDP. Buffered inbound
// data is discarded on close.
type Stream interface {
	net.Conn

	// Proto returns [ProtocolTCP] or [ProtocolUDP].
	Proto() uint8

	// Key returns the flow's [FlowKey].
	Key() FlowKey
}

// streamDeadline implements cancelable read/write deadlines.
//
// Wait returns a channel that is closed when the deadline expires;
// setting a new deadline replaces the channel.
type streamDeadline struct {
	// cancel is closed at expiry; nil means no deadline.
	cancel chan struct{}

	// mu provides mutual exclusion.
	mu sync.Mutex

	// timer fires the pending deadline.
	timer *time.Timer
}

// set arms the deadline at t; the zero time disarms it.
func (d *streamDeadline) set(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// 1. disarm any previously armed timer: replacing the cancel
	// channel below makes a late fire harmless
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}

	// 2. the zero time means "no deadline"
	if t.IsZero() {
		d.cancel = make(chan struct{})
		return
	}

	// 3. an already-expired deadline fails I/O immediately
	dur := time.Until(t)
	if dur <= 0 {
		expired := make(chan struct{})
		close(expired)
		d.cancel = expired
		return
	}

	// 4. otherwise arm the timer to close the channel
	cancel := make(chan struct{})
	d.cancel = cancel
	d.timer = time.AfterFunc(dur, func() {
		close(cancel)
	})
}

// wait returns the channel closed at deadline expiry.
func (d *streamDeadline) wait() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel == nil {
		d.cancel = make(chan struct{})
	}
	return d.cancel
}

// TCPStream is the [Stream] façade over a TCP flow.
type TCPStream struct {
	// flow is the owning flow.
	flow *tcpFlow

	// readDeadline covers Read.
	readDeadline streamDeadline

	// writeDeadline covers Write.
	writeDeadline streamDeadline
}

// Ensure that [*TCPStream] implements [Stream].
var _ Stream = &TCPStream{}

// Proto implements [Stream].
func (s *TCPStream) Proto() uint8 { return ProtocolTCP }

// Key implements [Stream].
func (s *TCPStream) Key() FlowKey { return s.flow.key }

// LocalAddr implements [net.Conn]. The local address is the
// destination the peer was trying to reach.
func (s *TCPStream) LocalAddr() net.Addr {
	return net.TCPAddrFromAddrPort(s.flow.key.Dst)
}

// RemoteAddr implements [net.Conn].
func (s *TCPStream) RemoteAddr() net.Addr {
	return net.TCPAddrFromAddrPort(s.flow.key.Src)
}

// Read implements [net.Conn]. It blocks until data is available,
// the flow terminates, or the read deadline expires. A clean peer
// close yields [io.EOF] once buffered data is drained.
func (s *TCPStream) Read(p []byte) (int, error) {
	for {
		// 1. drain buffered data or observe termination
		count, err := s.flow.rb.pop(p)
		if count > 0 || err != nil {
			return count, err
		}

		// 2. otherwise wait for progress
		select {
		case <-s.flow.rb.readable:
		case <-s.readDeadline.wait():
			return 0, errDeadlineExceeded
		case <-s.flow.consumerClosed:
			return 0, errStackClosed
		}
	}
}

// Write implements [net.Conn]. It enqueues payload into the flow's
// send path, blocking when the peer's receive window is exhausted
// (backpressure) until space frees or the write deadline expires.
func (s *TCPStream) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		// 1. chunk the payload to the flow's MSS
		chunk := p
		if len(chunk) > s.flow.mss {
			chunk = chunk[:s.flow.mss]
		}

		// 2. copy the chunk: the flow retains it for
		// retransmission after Write returns
		copied := make([]byte, len(chunk))
		copy(copied, chunk)

		// 3. hand the chunk to the flow goroutine
		select {
		case s.flow.writeq <- copied:
			total += len(chunk)
			p = p[len(chunk):]
		case <-s.flow.done:
			return total, s.flow.writeError()
		case <-s.writeDeadline.wait():
			return total, errDeadlineExceeded
		case <-s.flow.consumerClosed:
			return total, errStackClosed
		}
	}
	return total, nil
}

// Close implements [net.Conn]. It starts the FIN handshake and
// returns without waiting for it to complete.
func (s *TCPStream) Close() error {
	s.flow.consumerClose()
	return nil
}

// SetDeadline implements [net.Conn].
func (s *TCPStream) SetDeadline(t time.Time) error {
	s.readDeadline.set(t)
	s.writeDeadline.set(t)
	return nil
}

// SetReadDeadline implements [net.Conn].
func (s *TCPStream) SetReadDeadline(t time.Time) error {
	s.readDeadline.set(t)
	return nil
}

// SetWriteDeadline implements [net.Conn].
func (s *TCPStream) SetWriteDeadline(t time.Time) error {
	s.writeDeadline.set(t)
	return nil
}

// UDPStream is the [Stream] façade over a UDP pseudo-session.
type UDPStream struct {
	// flow is the owning session.
	flow *udpFlow

	// readDeadline covers Read.
	readDeadline streamDeadline

	// writeDeadline covers Write.
	writeDeadline streamDeadline
}

// Ensure that [*UDPStream] implements [Stream].
var _ Stream = &UDPStream{}

// Proto implements [Stream].
func (s *UDPStream) Proto() uint8 { return ProtocolUDP }

// Key implements [Stream].
func (s *UDPStream) Key() FlowKey { return s.flow.key }

// LocalAddr implements [net.Conn].
func (s *UDPStream) LocalAddr() net.Addr {
	return net.UDPAddrFromAddrPort(s.flow.key.Dst)
}

// RemoteAddr implements [net.Conn].
func (s *UDPStream) RemoteAddr() net.Addr {
	return net.UDPAddrFromAddrPort(s.flow.key.Src)
}

// Read implements [net.Conn]. Each call returns a single datagram,
// truncated when p is too small.
func (s *UDPStream) Read(p []byte) (int, error) {
	for {
		// 1. pop the next queued datagram or observe termination
		dgram, err, ok := s.flow.dq.pop()
		if ok {
			return copy(p, dgram), nil
		}
		if err != nil {
			return 0, err
		}

		// 2. otherwise wait for progress
		select {
		case <-s.flow.dq.readable:
		case <-s.readDeadline.wait():
			return 0, errDeadlineExceeded
		case <-s.flow.consumerClosed:
			return 0, errStackClosed
		}
	}
}

// Write implements [net.Conn]. Each call sends one datagram.
// Datagrams exceeding the MTU fail with [syscall.EMSGSIZE] unless
// fragmentation is enabled in the [Config].
func (s *UDPStream) Write(p []byte) (int, error) {
	// 1. copy the payload: the flow outlives this call
	copied := make([]byte, len(p))
	copy(copied, p)
	req := udpWriteRequest{
		payload: copied,
		resp:    make(chan error, 1),
	}

	// 2. hand the datagram to the flow goroutine
	select {
	case s.flow.writeq <- req:
	case <-s.flow.done:
		return 0, s.flow.writeError()
	case <-s.writeDeadline.wait():
		return 0, errDeadlineExceeded
	case <-s.flow.consumerClosed:
		return 0, errStackClosed
	}

	// 3. wait for the synthesis outcome
	select {
	case err := <-req.resp:
		if err != nil {
			return 0, err
		}
		return len(p), nil
	case <-s.writeDeadline.wait():
		return 0, errDeadlineExceeded
	}
}

// Close implements [net.Conn]. The session is removed immediately.
func (s *UDPStream) Close() error {
	s.flow.consumerClose()
	return nil
}

// SetDeadline implements [net.Conn].
func (s *UDPStream) SetDeadline(t time.Time) error {
	s.readDeadline.set(t)
	s.writeDeadline.set(t)
	return nil
}

// SetReadDeadline implements [net.Conn].
func (s *UDPStream) SetReadDeadline(t time.Time) error {
	s.readDeadline.set(t)
	return nil
}

// SetWriteDeadline implements [net.Conn].
func (s *UDPStream) SetWriteDeadline(t time.Time) error {
	s.writeDeadline.set(t)
	return nil
}
