// SPDX-License-Identifier: GPL-3.0-or-later

package uip

import (
	"net"
	"os"
	"strings"
	"syscall"
)

// The engine reports flow-level failures using stdlib and syscall
// errors so that callers can treat accepted streams exactly like
// conns obtained from the net package:
//
//   - [net.ErrClosed] when the stack or the stream is closed locally;
//
//   - [syscall.ECONNRESET] when the peer resets a TCP flow;
//
//   - [syscall.ETIMEDOUT] when retransmissions are exhausted or the
//     flow stays idle past its deadline;
//
//   - [syscall.ENOTCONN] when writing on a flow that is past its
//     established state;
//
//   - [syscall.EMSGSIZE] when an outgoing UDP datagram exceeds the
//     MTU and fragmentation is disabled;
//
//   - [os.ErrDeadlineExceeded] when a read or write deadline expires;
//
//   - [io.EOF] is a normal end-of-stream, not an error condition.
var (
	errConnReset        = syscall.ECONNRESET
	errTimedOut         = syscall.ETIMEDOUT
	errNotConn          = syscall.ENOTCONN
	errMsgSize          = syscall.EMSGSIZE
	errStackClosed      = net.ErrClosed
	errDeadlineExceeded = os.ErrDeadlineExceeded
)

// gvisorErrors maps gVisor error suffixes to stdlib errors so that
// the [*PeerStack] façade behaves like the net package.
//
// See https://github.com/google/gvisor/blob/master/pkg/tcpip/errors.go
//
// See https://github.com/google/gvisor/blob/master/pkg/syserr/netstack.go
var gvisorErrors = map[string]error{
	"endpoint is closed for receive": net.ErrClosed,
	"endpoint is closed for send":    net.ErrClosed,
	"connection aborted":             syscall.ECONNABORTED,
	"connection was refused":         syscall.ECONNREFUSED,
	"connection reset by peer":       syscall.ECONNRESET,
	"network is unreachable":         syscall.ENETUNREACH,
	"no route to host":               syscall.EHOSTUNREACH,
	"host is down":                   syscall.EHOSTDOWN,
	"machine is not on the network":  syscall.ENETDOWN,
	"operation timed out":            syscall.ETIMEDOUT,
	"endpoint is in invalid state":   syscall.EINVAL,
}

// remapGvisorError maps a gVisor error to a stdlib error.
func remapGvisorError(err error) error {
	if err != nil {
		estring := err.Error()
		for suffix, remapped := range gvisorErrors {
			if strings.HasSuffix(estring, suffix) {
				return remapped
			}
		}
	}
	return err
}
