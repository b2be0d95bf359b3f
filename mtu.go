// SPDX-License-Identifier: GPL-3.0-or-later

package uip

// Enumerate common MTU values.
const (
	// MTUEthernet is the MTU used by Ethernet.
	MTUEthernet = 1500

	// MTUMinimumIPv6 is the minimum MTU required by IPv6.
	MTUMinimumIPv6 = 1280

	// MTUJumo is the MTU used by jumbo frames.
	MTUJumbo = 9000

	// MTUMaximum is the largest MTU we support. This is also the
	// default MTU, which maximizes throughput on virtual links
	// where no physical fragmentation can occur.
	MTUMaximum = 65535
)
