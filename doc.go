// SPDX-License-Identifier: GPL-3.0-or-later

// Package uip (Userspace IP) implements a userspace TCP/IP protocol
// engine designed to sit behind a virtual network interface that
// delivers raw IP packets (i.e., without involving the kernel stack).
//
// The engine reads raw frames from a [Device], reconstructs TCP and UDP
// flows, and exposes each flow through [*Stack.Accept] as a [Stream],
// which implements [net.Conn]. The application typically relays the
// accepted streams elsewhere, for example by bridging them to real
// outbound sockets.
//
// The typical usage is to create a [*Stack] with [NewStack], passing a
// [Device] such as a TUN interface wrapper or, in tests and benchmarks,
// one end of a [NewMemoryDevicePair]. Then you loop calling
// [*Stack.Accept] and handle each [Stream] in its own goroutine.
//
// The TCP implementation targets "enough correctness to proxy traffic
// reliably": three-way handshake, cumulative acknowledgments,
// out-of-order reassembly inside the advertised window, retransmission
// with geometric backoff, flow control, half-close, and TIME-WAIT. It
// does not negotiate selective acknowledgments, timestamps, or window
// scaling.
//
// The [*PCAPTrace] type allows you to capture the raw packets crossing
// the device boundary in PCAP format so that you can inspect what
// happened using tools such as wireshark.
//
// The [*PeerStack] type wraps a gVisor network stack attached to the
// other end of a memory device. We use it in tests and benchmarks as an
// independent TCP/UDP implementation exercising this engine.
package uip
