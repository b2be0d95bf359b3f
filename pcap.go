//
// SPDX-License-Identifier: BSD-3-Clause
//
// Adapted from: https://github.com/ooni/netem/blob/6e0d618f0cb48b96c78cd066e23cf3aa1208b1dd/pcap.go
//

package uip

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// pcapSnapshot is a snapshot of a raw IP packet.
type pcapSnapshot struct {
	// data is the (possibly truncated) packet bytes.
	data []byte

	// length is the original packet length.
	length int
}

// PCAPTrace writes raw IP packets to a PCAP file using the
// LINKTYPE_RAW link type.
//
// Attach a trace to a [*Stack] using [StackOptionTrace]: the stack
// then dumps every packet crossing the device boundary, in both
// directions. Dumping never blocks the stack: when disk I/O cannot
// keep up, packets are dropped and counted by [*PCAPTrace.Dropped].
//
// Construct using [NewPCAPTrace].
type PCAPTrace struct {
	// cancel interrupts the background writer.
	cancel context.CancelFunc

	// dropped counts packets dropped on buffer overflow.
	dropped atomic.Uint64

	// errch receives the background writer's final error.
	errch chan error

	// once provides "once" semantics for Close.
	once sync.Once

	// snaps buffers snapshots awaiting the writer.
	snaps chan pcapSnapshot

	// snapSize is the per-packet capture limit in bytes.
	snapSize uint16

	// wc is the open capture file.
	wc io.WriteCloser
}

// DefaultSnapSize is a [NewPCAPTrace] snapSize large enough to
// capture any packet the engine can synthesize in full.
const DefaultSnapSize = 65535

// PCAPTraceOption is an option for [NewPCAPTrace].
type PCAPTraceOption func(tr *PCAPTrace)

// PCAPTraceOptionBuffer sets the number of snapshots buffered
// between [*PCAPTrace.Dump] and the background writer. The default
// buffer holds 4096 snapshots.
func PCAPTraceOptionBuffer(count int) PCAPTraceOption {
	return func(tr *PCAPTrace) {
		tr.snaps = make(chan pcapSnapshot, count)
	}
}

// NewPCAPTrace creates a [*PCAPTrace] writing to wc and capturing
// at most snapSize bytes per packet. The trace owns wc and closes
// it inside [*PCAPTrace.Close].
func NewPCAPTrace(wc io.WriteCloser, snapSize uint16, options ...PCAPTraceOption) *PCAPTrace {
	// 1. initialize the trace struct
	ctx, cancel := context.WithCancel(context.Background())
	const manyPackets = 4096
	tr := &PCAPTrace{
		cancel:   cancel,
		dropped:  atomic.Uint64{},
		errch:    make(chan error, 1),
		once:     sync.Once{},
		snaps:    make(chan pcapSnapshot, manyPackets),
		snapSize: snapSize,
		wc:       wc,
	}

	// 2. honor the options
	for _, option := range options {
		option(tr)
	}

	// 3. start the background writer and return
	go tr.saveLoop(ctx)
	return tr
}

// Dump records a snapshot of the given raw IPv4/IPv6 packet.
func (tr *PCAPTrace) Dump(packet []byte) {
	snapSize := min(len(packet), int(tr.snapSize))
	snap := make([]byte, snapSize)
	copy(snap, packet)
	select {
	case tr.snaps <- pcapSnapshot{data: snap, length: len(packet)}:
	default:
		tr.dropped.Add(1)
	}
}

// Dropped returns the number of packets dropped because the
// internal buffer was full when Dump was called.
func (tr *PCAPTrace) Dropped() uint64 {
	return tr.dropped.Load()
}

// saveLoop writes the PCAP header and then each buffered snapshot.
func (tr *PCAPTrace) saveLoop(ctx context.Context) {
	// 1. write the PCAP file header
	w := pcapgo.NewWriter(tr.wc)
	if err := w.WriteFileHeader(uint32(tr.snapSize), layers.LinkTypeRaw); err != nil {
		tr.errch <- err
		return
	}

	// 2. write snapshots until canceled, then drain what is
	// still buffered before reporting the final error
	for {
		select {
		case <-ctx.Done():
			tr.errch <- tr.drain(w)
			return

		case snap := <-tr.snaps:
			if err := tr.savePacket(w, snap); err != nil {
				tr.errch <- err
				return
			}
		}
	}
}

// drain flushes the snapshots buffered at cancellation time.
func (tr *PCAPTrace) drain(w *pcapgo.Writer) error {
	for {
		select {
		case snap := <-tr.snaps:
			if err := tr.savePacket(w, snap); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// savePacket writes a single snapshot with its capture record.
func (tr *PCAPTrace) savePacket(w *pcapgo.Writer, snap pcapSnapshot) error {
	ci := gopacket.CaptureInfo{
		Timestamp:      time.Now(),
		CaptureLength:  len(snap.data),
		Length:         snap.length,
		InterfaceIndex: 0,
		AncillaryData:  []any{},
	}
	return w.WritePacket(ci, snap.data)
}

// Close interrupts the background writer, waits for it to join,
// and closes the capture file. Close is idempotent.
func (tr *PCAPTrace) Close() (err error) {
	tr.once.Do(func() {
		// 1. notify the background writer to terminate
		tr.cancel()

		// 2. wait for it to join collecting its error
		err1 := <-tr.errch

		// 3. close the open capture file
		err2 := tr.wc.Close()

		// 4. assemble a common error (nil on success)
		err = errors.Join(err1, err2)
	})
	return
}
