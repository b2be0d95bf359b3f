// SPDX-License-Identifier: GPL-3.0-or-later

package uip

import (
	"io"
	"net"
	"sync"
)

// Device is the boundary to the virtual network interface feeding
// the engine with raw frames and transmitting the frames the engine
// synthesizes.
//
// Opening and configuring the actual interface (address, netmask,
// MTU) is the responsibility of the caller: the engine only reads
// and writes frames.
type Device interface {
	// ReadFrame reads the next frame into buf and returns the
	// number of bytes read. It blocks until a frame is available
	// or the device is closed.
	ReadFrame(buf []byte) (int, error)

	// WriteFrame writes a single frame to the device.
	WriteFrame(frame []byte) (int, error)

	// Close closes the device unblocking pending reads.
	Close() error
}

// DefaultMemoryDeviceBuffer is the default number of frames a
// [MemoryDevice] direction buffers before dropping.
const DefaultMemoryDeviceBuffer = 1024

// MemoryDevice is an in-memory [Device] connected back-to-back with a
// second instance. Frames written on one end become readable on the
// other end. When a direction's buffer is full, additional frames are
// silently dropped, which emulates a congested link.
//
// Construct using [NewMemoryDevicePair].
type MemoryDevice struct {
	// closed is closed when either end is closed.
	closed chan struct{}

	// once provides "once" semantics for Close.
	once *sync.Once

	// recv is the channel we read frames from.
	recv chan []byte

	// send is the channel feeding the other end.
	send chan []byte
}

// NewMemoryDevicePair creates two connected [*MemoryDevice] ends.
//
// The buffer argument sets the per-direction frame buffer; use
// [DefaultMemoryDeviceBuffer] unless you need tighter control.
func NewMemoryDevicePair(buffer int) (*MemoryDevice, *MemoryDevice) {
	closed := make(chan struct{})
	once := &sync.Once{}
	left := make(chan []byte, buffer)
	right := make(chan []byte, buffer)
	d0 := &MemoryDevice{
		closed: closed,
		once:   once,
		recv:   left,
		send:   right,
	}
	d1 := &MemoryDevice{
		closed: closed,
		once:   once,
		recv:   right,
		send:   left,
	}
	return d0, d1
}

// Ensure that [*MemoryDevice] implements [Device].
var _ Device = &MemoryDevice{}

// ReadFrame implements [Device].
func (d *MemoryDevice) ReadFrame(buf []byte) (int, error) {
	select {
	case frame := <-d.recv:
		if len(frame) > len(buf) {
			return 0, io.ErrShortBuffer
		}
		return copy(buf, frame), nil

	case <-d.closed:
		return 0, net.ErrClosed
	}
}

// WriteFrame implements [Device].
//
// Frames exceeding the buffer capacity are silently dropped: the
// transport protocols above are responsible for recovering losses.
func (d *MemoryDevice) WriteFrame(frame []byte) (int, error) {
	copied := make([]byte, len(frame))
	copy(copied, frame)
	select {
	case <-d.closed:
		return 0, net.ErrClosed
	default:
	}
	select {
	case d.send <- copied:
	default:
	}
	return len(frame), nil
}

// Close implements [Device]. Closing either end closes both.
func (d *MemoryDevice) Close() error {
	d.once.Do(func() {
		close(d.closed)
	})
	return nil
}
