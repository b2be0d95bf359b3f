// SPDX-License-Identifier: GPL-3.0-or-later

package uip

import (
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/bassosimone/runtimex"
)

// tcpState enumerates the states of the TCP connection state machine.
//
// There is no LISTEN state: the accept queue plays that role, and a
// flow only exists once an unmatched SYN has been inserted into the
// flow table.
type tcpState int

const (
	stateSynReceived tcpState = iota
	stateEstablished
	stateFinWait1
	stateFinWait2
	stateCloseWait
	stateLastAck
	stateTimeWait
	stateClosed
)

// String implements [fmt.Stringer].
func (s tcpState) String() string {
	switch s {
	case stateSynReceived:
		return "SYN_RECEIVED"
	case stateEstablished:
		return "ESTABLISHED"
	case stateFinWait1:
		return "FIN_WAIT_1"
	case stateFinWait2:
		return "FIN_WAIT_2"
	case stateCloseWait:
		return "CLOSE_WAIT"
	case stateLastAck:
		return "LAST_ACK"
	case stateTimeWait:
		return "TIME_WAIT"
	default:
		return "CLOSED"
	}
}

// tcpSegment is the copy of an inbound segment delivered to the
// flow goroutine. Unlike [packet], it owns its payload.
type tcpSegment struct {
	seq     uint32
	ack     uint32
	flags   uint8
	window  uint16
	payload []byte
}

// tcpFlow is one TCP connection.
//
// All sequence, window, and timer fields are mutated exclusively by
// the run goroutine: the ingress path and the stream façade interact
// with the flow only through channels and through the shared receive
// buffer. Timers fire inside the same select loop that processes
// packets, so a firing timer can never race an in-flight ACK.
type tcpFlow struct {
	// Immutable after construction.

	// key identifies the flow.
	key FlowKey

	// stk is the owning stack.
	stk *Stack

	// mss bounds the payload of outgoing segments.
	mss int

	// stream is the consumer façade.
	stream *TCPStream

	// synth builds outgoing packets.
	synth *synthesizer

	// rb is the consumer-facing receive buffer.
	rb *recvBuffer

	// Channels.

	// input receives inbound segments from the ingress path.
	input chan tcpSegment

	// writeq receives outbound payload chunks from the stream.
	writeq chan []byte

	// consumerClosed is closed when the consumer closes the stream.
	consumerClosed chan struct{}

	// closeOnce guards consumerClosed.
	closeOnce sync.Once

	// abortCh is closed when the stack tears the flow down.
	abortCh chan struct{}

	// abortOnce guards abortCh.
	abortOnce sync.Once

	// done is closed when the flow terminates; termErr is set
	// before closing it.
	done    chan struct{}
	termErr error

	// Owned by the run goroutine.

	// state is the connection state.
	state tcpState

	// iss is our initial send sequence number.
	iss uint32

	// sndUna is the oldest unacknowledged sequence number.
	sndUna uint32

	// sndNxt is the next sequence number to send.
	sndNxt uint32

	// sndWnd is the peer's last advertised window.
	sndWnd uint16

	// rcvNxt is the next expected sequence number.
	rcvNxt uint32

	// retq is the retransmission queue.
	retq *retransmitQueue

	// reasm is the out-of-order reassembly buffer.
	reasm *reassemblyBuffer

	// reasmBytes counts bytes held in reasm, subtracted from the
	// advertised window.
	reasmBytes int

	// pending holds payload accepted from the consumer but not
	// yet transmittable within the peer's window.
	pending []byte

	// closing is true once the consumer requested close.
	closing bool

	// finSent is true once our FIN entered the send path.
	finSent bool

	// peerFin is true once we acknowledged the peer's FIN.
	peerFin bool

	// retxTimer fires the retransmission deadline.
	retxTimer *time.Timer

	// idleTimer fires the idle (or TIME-WAIT) deadline.
	idleTimer *time.Timer
}

// tcpReassemblyMaxSegments bounds the number of gaps buffered by
// the per-flow reassembly buffer.
const tcpReassemblyMaxSegments = 64

// tcpInputBuffer is the ingress-to-flow channel depth. When the
// flow goroutine falls behind, further segments are dropped and the
// peer retransmits them.
const tcpInputBuffer = 128

// newTCPFlow creates a flow for an unmatched SYN.
func newTCPFlow(stk *Stack, pkt *packet) *tcpFlow {
	synth := newSynthesizer(pkt.key, stk.cfg.MTU)
	mss := synth.maxTCPPayload()
	if pkt.mss > 0 && int(pkt.mss) < mss {
		mss = int(pkt.mss)
	}
	f := &tcpFlow{
		key:            pkt.key,
		stk:            stk,
		mss:            mss,
		stream:         nil,
		synth:          synth,
		rb:             newRecvBuffer(stk.cfg.ReceiveWindow),
		input:          make(chan tcpSegment, tcpInputBuffer),
		writeq:         make(chan []byte),
		consumerClosed: make(chan struct{}),
		closeOnce:      sync.Once{},
		abortCh:        make(chan struct{}),
		abortOnce:      sync.Once{},
		done:           make(chan struct{}),
		termErr:        nil,
		state:          stateSynReceived,
		iss:            rand.Uint32(),
		sndUna:         0,
		sndNxt:         0,
		sndWnd:         pkt.window,
		rcvNxt:         pkt.seq + 1, // the SYN occupies one sequence number
		retq:           &retransmitQueue{},
		reasm:          newReassemblyBuffer(tcpReassemblyMaxSegments),
		reasmBytes:     0,
		pending:        nil,
		closing:        false,
		finSent:        false,
		peerFin:        false,
		retxTimer:      nil,
		idleTimer:      nil,
	}
	f.sndUna = f.iss
	f.sndNxt = f.iss
	f.stream = &TCPStream{flow: f}
	return f
}

// Ensure that [*tcpFlow] implements [tableFlow].
var _ tableFlow = &tcpFlow{}

// deliver implements [tableFlow]. It copies the payload (the parsed
// view dies with the dispatch step) and never blocks: when the flow
// is backlogged the segment is dropped and the peer retransmits.
func (f *tcpFlow) deliver(pkt *packet) {
	payload := make([]byte, len(pkt.payload))
	copy(payload, pkt.payload)
	seg := tcpSegment{
		seq:     pkt.seq,
		ack:     pkt.ack,
		flags:   pkt.flags,
		window:  pkt.window,
		payload: payload,
	}
	select {
	case f.input <- seg:
	default:
	}
}

// abort implements [tableFlow].
func (f *tcpFlow) abort() {
	f.abortOnce.Do(func() {
		close(f.abortCh)
	})
}

// consumerClose records the consumer's close request.
func (f *tcpFlow) consumerClose() {
	f.closeOnce.Do(func() {
		close(f.consumerClosed)
	})
}

// writeError is the error reported for writes on a dead flow.
func (f *tcpFlow) writeError() error {
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

// stopTimer stops a timer and drains its channel. Only safe from
// the goroutine that owns the timer.
func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// resetTimer rearms a timer to fire after d.
func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}

// run is the flow goroutine: the single mutator of the flow state.
func (f *tcpFlow) run() {
	// 1. make sure we clean up on exit
	defer f.finish()

	// 2. create the timers owned by this goroutine
	f.retxTimer = time.NewTimer(time.Hour)
	stopTimer(f.retxTimer)
	f.idleTimer = time.NewTimer(f.stk.cfg.TCPIdleTimeout)
	defer f.retxTimer.Stop()
	defer f.idleTimer.Stop()

	// 3. answer the SYN that created us
	f.sendSynAck()

	// 4. process events until the flow dies
	for f.state != stateClosed {
		// 4.1. accept consumer payload only when established
		// with no backlog and room in the peer window
		var writeq chan []byte
		if f.state == stateEstablished && !f.closing &&
			len(f.pending) == 0 && f.retq.inFlight < int(f.sndWnd) {
			writeq = f.writeq
		}

		// 4.2. watch for the consumer close exactly once
		var closeCh chan struct{}
		if !f.closing {
			closeCh = f.consumerClosed
		}

		// 4.3. keep the retransmit timer tracking the queue
		f.armRetxTimer()

		select {
		case seg := <-f.input:
			f.handleSegment(seg)

		case data := <-writeq:
			f.handleWrite(data)

		case <-closeCh:
			f.handleConsumerClose()

		case <-f.retxTimer.C:
			f.handleRetxExpiry()

		case <-f.idleTimer.C:
			f.handleIdleExpiry()

		case <-f.rb.drained:
			f.handleReaderDrained()

		case <-f.abortCh:
			f.termErr = errStackClosed
			f.state = stateClosed
		}
	}
}

// finish removes the flow from the table and wakes everyone
// waiting on it. Safe to reach from any termination path.
func (f *tcpFlow) finish() {
	err := f.termErr
	if err == nil {
		err = io.EOF
	}
	f.rb.terminate(err)
	select {
	case <-f.done:
	default:
		close(f.done)
	}
	f.stk.table.remove(f.key)
	f.stk.metrics.FlowsLive.Dec()
	f.stk.logger.Debug("tcp: flow closed", "key", f.key.String())
}

// fail terminates the flow with err, optionally notifying the peer
// with a RST.
func (f *tcpFlow) fail(err error, sendRST bool) {
	if sendRST {
		f.transmit(flagRST|flagACK, f.sndNxt, nil)
	}
	f.rb.terminate(err)
	f.termErr = err
	f.state = stateClosed
	f.stk.metrics.FlowsReset.Inc()
}

// advertisedWindow computes the receive window to advertise: the
// free receive buffer space minus the bytes parked in reassembly,
// so that folding reassembled data can never overflow the buffer.
func (f *tcpFlow) advertisedWindow() uint16 {
	wnd := f.rb.window() - f.reasmBytes
	if wnd < 0 {
		wnd = 0
	}
	return uint16(min(wnd, 65535))
}

// transmit synthesizes and enqueues one outgoing segment. Segments
// carrying a SYN also advertise our maximum segment size, including
// on retransmission.
func (f *tcpFlow) transmit(flags uint8, seq uint32, payload []byte) {
	var pkt []byte
	if flags&flagSYN != 0 {
		pkt = f.synth.tcpMSS(seq, f.rcvNxt, flags, f.advertisedWindow())
	} else {
		pkt = f.synth.tcp(seq, f.rcvNxt, flags, f.advertisedWindow(), payload)
	}
	f.stk.egressEnqueue(pkt)
}

// track transmits a segment and records it for retransmission.
func (f *tcpFlow) track(flags uint8, payload []byte) {
	seq := f.sndNxt
	end := seq + uint32(len(payload))
	if flags&(flagSYN|flagFIN) != 0 {
		end++ // SYN and FIN occupy one sequence number
	}
	f.transmit(flags, seq, payload)
	f.retq.push(retxSegment{
		seq:      seq,
		end:      end,
		flags:    flags,
		payload:  payload,
		deadline: time.Now().Add(f.stk.cfg.RetransmitTimeout),
		retries:  0,
	})
	f.sndNxt = end
}

// sendSynAck answers the flow-creating SYN.
func (f *tcpFlow) sendSynAck() {
	f.track(flagSYN|flagACK, nil)
}

// sendFin emits our FIN once the send path is drained.
func (f *tcpFlow) sendFin() {
	f.track(flagFIN|flagACK, nil)
	f.finSent = true
}

// armRetxTimer keeps the retransmission timer aligned with the
// oldest unacknowledged segment.
func (f *tcpFlow) armRetxTimer() {
	deadline, ok := f.retq.nextDeadline()
	if !ok {
		stopTimer(f.retxTimer)
		return
	}
	resetTimer(f.retxTimer, time.Until(deadline))
}

// handleRetxExpiry resends the oldest unacknowledged segment with
// geometric backoff, resetting the flow once retries are exhausted.
func (f *tcpFlow) handleRetxExpiry() {
	seg, ok := f.retq.oldest()
	if !ok {
		return
	}
	if seg.retries >= f.stk.cfg.MaxRetransmits {
		f.fail(errTimedOut, true)
		return
	}
	seg.retries++
	backoff := f.stk.cfg.RetransmitTimeout << uint(seg.retries)
	seg.deadline = time.Now().Add(backoff)
	f.transmit(seg.flags, seg.seq, seg.payload)
	f.stk.metrics.Retransmissions.Inc()
}

// handleIdleExpiry handles the idle deadline: in TIME-WAIT it is
// the final removal, anywhere else an idle reset.
func (f *tcpFlow) handleIdleExpiry() {
	if f.state == stateTimeWait {
		f.state = stateClosed
		return
	}
	f.fail(errTimedOut, true)
}

// handleReaderDrained reacts to the consumer freeing receive buffer
// space by advertising the wider window to the peer.
func (f *tcpFlow) handleReaderDrained() {
	switch f.state {
	case stateEstablished, stateFinWait1, stateFinWait2:
		f.transmit(flagACK, f.sndNxt, nil)
	default:
		// peer can no longer send, nothing to advertise
	}
}

// handleConsumerClose starts the local close sequence.
func (f *tcpFlow) handleConsumerClose() {
	f.closing = true
	switch f.state {
	case stateSynReceived:
		// not yet accepted by anyone, refuse the connection
		f.fail(errStackClosed, true)

	case stateEstablished:
		if len(f.pending) == 0 {
			f.sendFin()
			f.state = stateFinWait1
		}
		// otherwise drainPending emits the FIN once the
		// backlog flushes

	case stateCloseWait:
		if len(f.pending) == 0 {
			f.sendFin()
			f.state = stateLastAck
		}
	}
}

// handleWrite transmits as much of data as the peer window allows
// and parks the remainder in pending.
func (f *tcpFlow) handleWrite(data []byte) {
	f.pending = data
	f.drainPending()
}

// drainPending pushes pending payload into the send path within the
// peer's advertised window, then emits a deferred FIN when the
// consumer already closed.
func (f *tcpFlow) drainPending() {
	for len(f.pending) > 0 {
		room := int(f.sndWnd) - f.retq.inFlight
		if room <= 0 {
			return
		}
		count := min(min(room, f.mss), len(f.pending))
		chunk := f.pending[:count]
		f.pending = f.pending[count:]
		f.track(flagPSH|flagACK, chunk)
	}
	if f.closing && !f.finSent {
		switch f.state {
		case stateEstablished:
			f.sendFin()
			f.state = stateFinWait1
		case stateCloseWait:
			f.sendFin()
			f.state = stateLastAck
		}
	}
}

// handleSegment is the packet-driven part of the state machine.
func (f *tcpFlow) handleSegment(seg tcpSegment) {
	// 1. a RST kills the flow from any state
	if seg.flags&flagRST != 0 {
		f.rb.terminate(errConnReset)
		f.termErr = errConnReset
		f.state = stateClosed
		f.stk.metrics.FlowsReset.Inc()
		return
	}

	// 2. any activity refreshes the idle deadline
	if f.state != stateTimeWait {
		resetTimer(f.idleTimer, f.stk.cfg.TCPIdleTimeout)
	}

	// 3. dispatch on the connection state
	switch f.state {
	case stateSynReceived:
		f.handleSynReceived(seg)

	case stateEstablished, stateFinWait1, stateFinWait2:
		f.processAck(seg)
		f.processData(seg)

	case stateCloseWait, stateLastAck:
		f.processAck(seg)
		// a retransmitted FIN or stale data means the peer never
		// saw our ACK of its FIN
		if seg.flags&flagFIN != 0 || len(seg.payload) > 0 {
			f.transmit(flagACK, f.sndNxt, nil)
		}

	case stateTimeWait:
		// absorb late retransmissions, answer the last ACK
		f.transmit(flagACK, f.sndNxt, nil)
	}
}

// handleSynReceived completes (or keeps retrying) the handshake.
func (f *tcpFlow) handleSynReceived(seg tcpSegment) {
	// 1. a duplicate SYN means our SYN-ACK was lost
	if seg.flags&flagSYN != 0 {
		if seg, ok := f.retq.oldest(); ok {
			f.transmit(seg.flags, seg.seq, seg.payload)
		}
		return
	}

	// 2. the handshake completes with an ACK of our SYN-ACK
	if seg.flags&flagACK == 0 || seg.ack != f.iss+1 {
		return
	}
	f.retq.ack(seg.ack)
	f.sndUna = seg.ack
	f.sndWnd = seg.window
	f.state = stateEstablished

	// 3. surface the flow through the accept queue; a full queue
	// means we refuse the connection after all
	select {
	case f.stk.accepts <- f.stream:
	default:
		f.stk.metrics.FlowsRefused.Inc()
		f.fail(errStackClosed, true)
		return
	}

	// 4. the completing ACK may already carry data
	f.processData(seg)
}

// processAck digests the acknowledgment and window fields.
func (f *tcpFlow) processAck(seg tcpSegment) {
	if seg.flags&flagACK == 0 {
		return
	}

	// 1. every ACK refreshes the peer window
	f.sndWnd = seg.window

	// 2. advance the unacknowledged base when the ACK is in
	// (sndUna, sndNxt]; anything else is a duplicate or stray
	if seqGT(seg.ack, f.sndUna) && seqLTE(seg.ack, f.sndNxt) {
		f.retq.ack(seg.ack)
		f.sndUna = seg.ack
	}

	// 3. acknowledgment of our FIN advances the close sequence
	if f.finSent && f.sndUna == f.sndNxt {
		switch f.state {
		case stateFinWait1:
			if f.peerFin {
				f.enterTimeWait()
			} else {
				f.state = stateFinWait2
			}
		case stateLastAck:
			f.state = stateClosed
		}
	}

	// 4. a wider window may unblock pending payload
	f.drainPending()
}

// processData folds the segment payload (and FIN) into the receive
// side of the flow.
func (f *tcpFlow) processData(seg tcpSegment) {
	segLen := uint32(len(seg.payload))
	segEnd := seg.seq + segLen

	switch {
	case segLen == 0:
		// pure ACK or window update: nothing to deliver

	case seqLTE(seg.seq, f.rcvNxt) && seqGT(segEnd, f.rcvNxt):
		// 1. in-order, possibly overlapping data we already
		// have: trim the duplicate prefix
		payload := seg.payload[seqDiff(f.rcvNxt, seg.seq):]

		// 2. append to the receive buffer; the buffer drops
		// what overflows the advertised window and the peer
		// retransmits it
		stored := f.rb.push(payload)
		f.rcvNxt += uint32(stored)

		// 3. fold out-of-order data that became contiguous;
		// parked data was trimmed to the window on admission,
		// so the receive buffer always has room for it
		if stored == len(payload) {
			for _, chunk := range f.reasm.collect(&f.rcvNxt) {
				f.reasmBytes -= len(chunk)
				pushed := f.rb.push(chunk)
				// invariant: reassembled data never overflows the receive buffer
				runtimex.Assert(pushed == len(chunk))
			}
		}

		// 4. every accepted segment triggers a cumulative ACK
		f.transmit(flagACK, f.sndNxt, nil)

	case seqGT(seg.seq, f.rcvNxt) &&
		seqInWindow(seg.seq, f.rcvNxt, uint32(f.advertisedWindow())):
		// out-of-order but starting inside the window: trim the
		// tail overflowing the window, park the rest, and re-ACK
		// the watermark so the peer sees the gap
		payload := seg.payload
		winEnd := f.rcvNxt + uint32(f.advertisedWindow())
		if overflow := seqDiff(seg.seq+uint32(len(payload)), winEnd); overflow > 0 {
			payload = payload[:len(payload)-int(overflow)]
		}
		if f.reasm.insert(seg.seq, payload) {
			f.reasmBytes += len(payload)
		}
		f.transmit(flagACK, f.sndNxt, nil)

	default:
		// entirely old or beyond the window: drop and re-ACK
		f.transmit(flagACK, f.sndNxt, nil)
	}

	// 5. process an in-sequence FIN
	if seg.flags&flagFIN != 0 && seg.seq+segLen == f.rcvNxt {
		f.rcvNxt++
		f.peerFin = true
		f.transmit(flagACK, f.sndNxt, nil)
		f.rb.terminate(io.EOF)
		switch f.state {
		case stateEstablished:
			f.state = stateCloseWait
		case stateFinWait1:
			if f.finSent && f.sndUna == f.sndNxt {
				f.enterTimeWait()
			}
			// otherwise wait for the ACK of our FIN
		case stateFinWait2:
			f.enterTimeWait()
		}
	}
}

// enterTimeWait parks the flow absorbing late retransmissions for
// the configured duration before final removal.
func (f *tcpFlow) enterTimeWait() {
	f.state = stateTimeWait
	resetTimer(f.idleTimer, f.stk.cfg.TimeWaitDuration)
}
