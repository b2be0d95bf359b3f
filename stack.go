// SPDX-License-Identifier: GPL-3.0-or-later

package uip

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
)

// Stack is the userspace TCP/IP protocol engine.
//
// A Stack reads raw IP packets from a [Device], demultiplexes them
// into flows, runs the TCP state machine (or the UDP pseudo-session
// logic) for each flow, and surfaces each established flow through
// [*Stack.Accept] as a [Stream].
//
// Construct using [NewStack].
type Stack struct {
	// accepts is the bounded queue of flows ready for Accept.
	accepts chan Stream

	// adapter wraps the device handling the packet-information prefix.
	adapter *frameAdapter

	// cfg is the normalized configuration.
	cfg *Config

	// egress is the bounded queue of synthesized packets.
	egress chan []byte

	// logger is where the stack logs, discarding by default.
	logger *slog.Logger

	// metrics holds the stack's Prometheus metrics.
	metrics *Metrics

	// once provides "once" semantics for Close.
	once sync.Once

	// shutdown is closed when the stack shuts down.
	shutdown chan struct{}

	// table maps flow keys to live flows.
	table *flowTable

	// trace optionally captures frames in PCAP format.
	trace *PCAPTrace
}

// DefaultEgressBuffer is the capacity of the egress packet queue.
// When the queue is full additional packets are silently dropped
// and TCP retransmission recovers the loss.
const DefaultEgressBuffer = 1024

// StackOption is an option for [NewStack].
type StackOption func(s *Stack)

// StackOptionLogger configures the [*slog.Logger] used by the
// [*Stack]. By default the stack discards all logs.
func StackOptionLogger(logger *slog.Logger) StackOption {
	return func(s *Stack) {
		s.logger = logger
	}
}

// StackOptionTrace attaches a [*PCAPTrace] capturing every packet
// crossing the device boundary, in both directions. Closing the
// trace remains the caller's responsibility.
func StackOptionTrace(trace *PCAPTrace) StackOption {
	return func(s *Stack) {
		s.trace = trace
	}
}

// NewStack creates a [*Stack] using the given [Device] and starts
// the goroutines moving packets between the device and the flows.
//
// A nil cfg selects the documented [Config] defaults. The stack
// owns the device and closes it when the stack is closed.
func NewStack(cfg *Config, dev Device, options ...StackOption) *Stack {
	// 1. normalize the configuration
	cfg = cfg.normalize()

	// 2. create the stack with default settings
	s := &Stack{
		accepts:  make(chan Stream, cfg.AcceptBacklog),
		adapter:  &frameAdapter{dev: dev, packetInfo: cfg.PacketInfo},
		cfg:      cfg,
		egress:   make(chan []byte, DefaultEgressBuffer),
		logger:   slog.New(slog.DiscardHandler),
		metrics:  NewMetrics(),
		once:     sync.Once{},
		shutdown: make(chan struct{}),
		table:    newFlowTable(cfg.MaxFlows),
		trace:    nil,
	}

	// 3. honor the options
	for _, option := range options {
		option(s)
	}

	// 4. start moving packets
	go s.ingressLoop()
	go s.egressLoop()
	return s
}

// Metrics returns the stack [*Metrics], which the caller may
// register with a [prometheus.Registerer].
func (s *Stack) Metrics() *Metrics {
	return s.metrics
}

// Accept blocks until a flow is ready and returns its [Stream].
//
// A TCP flow becomes ready when its three-way handshake completes;
// a UDP session becomes ready when its first datagram arrives.
// Accept fails when the context is done or the stack is closed.
func (s *Stack) Accept(ctx context.Context) (Stream, error) {
	select {
	case stream := <-s.accepts:
		return stream, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.shutdown:
		return nil, errStackClosed
	}
}

// Close shuts down the stack: it tears down every live flow,
// closes the device, and unblocks pending [*Stack.Accept] calls.
// Close is idempotent.
func (s *Stack) Close() error {
	s.once.Do(func() {
		close(s.shutdown)
		for _, flow := range s.table.drain() {
			flow.abort()
		}
		_ = s.adapter.dev.Close()
		s.logger.Info("uip: stack closed")
	})
	return nil
}

// egressEnqueue queues a synthesized packet for transmission
// without blocking: a flow must never stall on a congested device.
func (s *Stack) egressEnqueue(pkt []byte) {
	select {
	case s.egress <- pkt:
	default:
		s.metrics.EgressDrops.Inc()
	}
}

// ingressLoop continuously pulls packets from the device and
// dispatches them to flows. A failure local to a single packet
// never affects other flows nor terminates the loop.
func (s *Stack) ingressLoop() {
	buf := make([]byte, s.cfg.MTU+4)
	for {
		// 1. read the next raw IP packet
		raw, err := s.adapter.recvPacket(buf)
		if err != nil {
			// a short frame is noise; any other error
			// means the device is gone
			if errors.Is(err, errFrameTooShort) || errors.Is(err, io.ErrShortBuffer) {
				s.metrics.ParseDrops.Inc()
				continue
			}
			s.logger.Debug("uip: ingress loop terminated", "err", err)
			return
		}
		s.metrics.FramesReceived.Inc()
		if s.trace != nil {
			s.trace.Dump(raw)
		}

		// 2. parse and validate; a malformed or corrupted
		// packet is silently discarded
		pkt, good := parsePacket(raw)
		if !good {
			s.metrics.ParseDrops.Inc()
			continue
		}

		// 3. route to the owning flow
		s.dispatch(pkt)
	}
}

// dispatch routes a parsed packet to its flow, creating a new flow
// when the packet legitimately starts one.
func (s *Stack) dispatch(pkt *packet) {
	// 1. the common case is an existing flow
	if flow, found := s.table.lookup(pkt.key); found {
		flow.deliver(pkt)
		return
	}

	// 2. otherwise the packet may create a new flow
	switch pkt.key.Proto {
	case ProtocolTCP:
		s.dispatchNewTCP(pkt)
	case ProtocolUDP:
		s.dispatchNewUDP(pkt)
	}
}

// dispatchNewTCP handles a TCP segment with no matching flow.
func (s *Stack) dispatchNewTCP(pkt *packet) {
	// 1. never answer a RST with a RST
	if pkt.flags&flagRST != 0 {
		return
	}

	// 2. any non-SYN segment for an unknown flow earns a RST so
	// the peer learns the connection is dead
	if pkt.flags&(flagSYN|flagACK) != flagSYN {
		synth := newSynthesizer(pkt.key, s.cfg.MTU)
		s.egressEnqueue(synth.tcp(pkt.ack,
			pkt.seq+uint32(len(pkt.payload)), flagRST|flagACK, 0, nil))
		return
	}

	// 3. refuse the SYN outright when the accept queue is full:
	// no SYN-ACK and no table entry, so a SYN flood cannot pin
	// resources waiting for an Accept that is not coming
	if len(s.accepts) >= cap(s.accepts) {
		s.metrics.FlowsRefused.Inc()
		return
	}

	// 4. create the flow; insertion fails when the table is at
	// capacity, which is likewise a silent refusal
	flow := newTCPFlow(s, pkt)
	if err := s.table.insert(pkt.key, flow); err != nil {
		s.metrics.FlowsRefused.Inc()
		s.logger.Debug("uip: tcp flow refused", "key", pkt.key.String(), "err", err)
		return
	}
	s.metrics.FlowsLive.Inc()
	s.logger.Debug("uip: tcp flow created", "key", pkt.key.String())
	go flow.run()
}

// dispatchNewUDP handles a UDP datagram with no matching session.
func (s *Stack) dispatchNewUDP(pkt *packet) {
	// 1. refuse when the accept queue is full
	if len(s.accepts) >= cap(s.accepts) {
		s.metrics.FlowsRefused.Inc()
		return
	}

	// 2. create the session; a full table is a silent refusal
	// and the peer is free to retry later
	flow := newUDPFlow(s, pkt.key)
	if err := s.table.insert(pkt.key, flow); err != nil {
		s.metrics.FlowsRefused.Inc()
		s.logger.Debug("uip: udp session refused", "key", pkt.key.String(), "err", err)
		return
	}

	// 3. unlike TCP, a UDP session is ready immediately; undo
	// the insertion if a concurrent Accept burst filled the
	// queue between the check above and now
	select {
	case s.accepts <- flow.stream:
	default:
		s.table.remove(pkt.key)
		s.metrics.FlowsRefused.Inc()
		return
	}
	s.metrics.FlowsLive.Inc()
	s.logger.Debug("uip: udp session created", "key", pkt.key.String())
	go flow.run()

	// 4. the datagram creating the session is also its first
	// delivery
	flow.deliver(pkt)
}

// egressLoop drains synthesized packets to the device.
func (s *Stack) egressLoop() {
	for {
		select {
		case pkt := <-s.egress:
			if s.trace != nil {
				s.trace.Dump(pkt)
			}
			if err := s.adapter.sendPacket(pkt); err != nil {
				s.logger.Debug("uip: egress loop terminated", "err", err)
				return
			}
			s.metrics.FramesSent.Inc()

		case <-s.shutdown:
			return
		}
	}
}
