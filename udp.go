// SPDX-License-Identifier: GPL-3.0-or-later

package uip

import (
	"io"
	"sync"
	"time"
)

// dgramBuffer is the inbound datagram queue a UDP stream reads
// from, shared between the flow goroutine and the stream reader.
type dgramBuffer struct {
	// err terminates the stream once the queue is drained.
	err error

	// maxDgrams bounds the queued datagram count; further
	// datagrams are dropped, which is fair game for UDP.
	maxDgrams int

	// mu provides mutual exclusion.
	mu sync.Mutex

	// queue holds the datagrams in arrival order.
	queue [][]byte

	// readable is signaled when a datagram or err arrives.
	readable chan struct{}
}

// newDgramBuffer creates a [*dgramBuffer].
func newDgramBuffer(maxDgrams int) *dgramBuffer {
	return &dgramBuffer{
		err:       nil,
		maxDgrams: maxDgrams,
		mu:        sync.Mutex{},
		queue:     nil,
		readable:  make(chan struct{}, 1),
	}
}

// push enqueues one datagram, dropping it when the queue is full.
func (b *dgramBuffer) push(dgram []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) >= b.maxDgrams {
		return false
	}
	b.queue = append(b.queue, dgram)
	signal(b.readable)
	return true
}

// pop dequeues the next datagram. When the queue is empty it
// returns the terminating error, or (nil, nil, false) meaning "wait
// on the readable channel and retry".
func (b *dgramBuffer) pop() ([]byte, error, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) > 0 {
		dgram := b.queue[0]
		b.queue = b.queue[1:]
		if len(b.queue) > 0 {
			signal(b.readable)
		}
		return dgram, nil, true
	}
	return nil, b.err, false
}

// terminate records the stream-terminating condition.
func (b *dgramBuffer) terminate(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.err = err
	}
	signal(b.readable)
}

// udpWriteRequest is an outbound datagram with its result channel.
type udpWriteRequest struct {
	payload []byte
	resp    chan error
}

// udpFlow is one UDP pseudo-session.
//
// There is no state machine beyond activity tracking: datagrams are
// queued in both directions and the session dies after the idle
// timeout, when the consumer closes it, or when the stack shuts
// down.
type udpFlow struct {
	// key identifies the session.
	key FlowKey

	// stk is the owning stack.
	stk *Stack

	// stream is the consumer façade.
	stream *UDPStream

	// synth builds outgoing packets.
	synth *synthesizer

	// dq is the consumer-facing datagram queue.
	dq *dgramBuffer

	// input receives inbound datagram payloads.
	input chan []byte

	// writeq receives outbound datagrams from the stream.
	writeq chan udpWriteRequest

	// consumerClosed is closed when the consumer closes the stream.
	consumerClosed chan struct{}

	// closeOnce guards consumerClosed.
	closeOnce sync.Once

	// abortCh is closed when the stack tears the session down.
	abortCh chan struct{}

	// abortOnce guards abortCh.
	abortOnce sync.Once

	// done is closed when the session terminates; termErr is set
	// before closing it.
	done    chan struct{}
	termErr error
}

// udpQueueDepth bounds both the ingress-to-flow channel and the
// consumer-facing datagram queue.
const udpQueueDepth = 128

// newUDPFlow creates a session for the first datagram of an
// unseen key.
func newUDPFlow(stk *Stack, key FlowKey) *udpFlow {
	f := &udpFlow{
		key:            key,
		stk:            stk,
		stream:         nil,
		synth:          newSynthesizer(key, stk.cfg.MTU),
		dq:             newDgramBuffer(udpQueueDepth),
		input:          make(chan []byte, udpQueueDepth),
		writeq:         make(chan udpWriteRequest),
		consumerClosed: make(chan struct{}),
		closeOnce:      sync.Once{},
		abortCh:        make(chan struct{}),
		abortOnce:      sync.Once{},
		done:           make(chan struct{}),
		termErr:        nil,
	}
	f.stream = &UDPStream{flow: f}
	return f
}

// Ensure that [*udpFlow] implements [tableFlow].
var _ tableFlow = &udpFlow{}

// deliver implements [tableFlow].
func (f *udpFlow) deliver(pkt *packet) {
	payload := make([]byte, len(pkt.payload))
	copy(payload, pkt.payload)
	select {
	case f.input <- payload:
	default:
	}
}

// abort implements [tableFlow].
func (f *udpFlow) abort() {
	f.abortOnce.Do(func() {
		close(f.abortCh)
	})
}

// consumerClose records the consumer's close request.
func (f *udpFlow) consumerClose() {
	f.closeOnce.Do(func() {
		close(f.consumerClosed)
	})
}

// writeError is the error reported for writes on a dead session.
func (f *udpFlow) writeError() error {
	select {
	case <-f.done:
		if f.termErr != nil {
			return f.termErr
		}
		return errNotConn
	default:
		return errNotConn
	}
}

// run is the session goroutine: it forwards datagrams in both
// directions and tracks the idle deadline. Traffic in either
// direction refreshes the deadline.
func (f *udpFlow) run() {
	defer f.finish()

	idle := time.NewTimer(f.stk.cfg.UDPIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case dgram := <-f.input:
			f.dq.push(dgram)
			resetTimer(idle, f.stk.cfg.UDPIdleTimeout)

		case req := <-f.writeq:
			req.resp <- f.send(req.payload)
			resetTimer(idle, f.stk.cfg.UDPIdleTimeout)

		case <-idle.C:
			f.termErr = errTimedOut
			f.dq.terminate(io.EOF)
			return

		case <-f.consumerClosed:
			return

		case <-f.abortCh:
			f.termErr = errStackClosed
			return
		}
	}
}

// send synthesizes and enqueues one outbound datagram.
func (f *udpFlow) send(payload []byte) error {
	pkts, ok := f.synth.udp(payload, f.stk.cfg.UDPFragment)
	if !ok {
		return errMsgSize
	}
	for _, pkt := range pkts {
		f.stk.egressEnqueue(pkt)
	}
	return nil
}

// finish removes the session from the table and wakes everyone
// waiting on it.
func (f *udpFlow) finish() {
	f.dq.terminate(errStackClosed)
	select {
	case <-f.done:
	default:
		close(f.done)
	}
	f.stk.table.remove(f.key)
	f.stk.metrics.FlowsLive.Dec()
	f.stk.logger.Debug("udp: session closed", "key", f.key.String())
}
