// SPDX-License-Identifier: GPL-3.0-or-later

package uip

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFlow implements [tableFlow] for table tests.
type fakeFlow struct {
	delivered int
	aborted   bool
}

func (f *fakeFlow) deliver(pkt *packet) {
	f.delivered++
}

func (f *fakeFlow) abort() {
	f.aborted = true
}

func testFlowKey(proto uint8, srcPort uint16) FlowKey {
	return FlowKey{
		Proto: proto,
		Src:   netip.AddrPortFrom(netip.MustParseAddr("10.0.0.2"), srcPort),
		Dst:   netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), 443),
	}
}

func TestFlowTableInsertLookupRemove(t *testing.T) {
	table := newFlowTable(4)
	key := testFlowKey(ProtocolTCP, 50000)
	flow := &fakeFlow{}

	_, found := table.lookup(key)
	assert.False(t, found)

	require.NoError(t, table.insert(key, flow))
	assert.Equal(t, 1, table.size())

	got, found := table.lookup(key)
	require.True(t, found)
	assert.Same(t, flow, got.(*fakeFlow))

	// the same tuple cannot map to two flows
	err := table.insert(key, &fakeFlow{})
	assert.ErrorIs(t, err, errFlowExists)

	// the same ports under a different protocol are a distinct flow
	require.NoError(t, table.insert(testFlowKey(ProtocolUDP, 50000), &fakeFlow{}))

	table.remove(key)
	assert.Equal(t, 1, table.size())

	// removing an absent key is a no-op
	table.remove(key)
	assert.Equal(t, 1, table.size())
}

func TestFlowTableCapacity(t *testing.T) {
	table := newFlowTable(2)
	require.NoError(t, table.insert(testFlowKey(ProtocolTCP, 1), &fakeFlow{}))
	require.NoError(t, table.insert(testFlowKey(ProtocolTCP, 2), &fakeFlow{}))

	err := table.insert(testFlowKey(ProtocolTCP, 3), &fakeFlow{})
	assert.ErrorIs(t, err, errTableFull)

	// removal frees capacity
	table.remove(testFlowKey(ProtocolTCP, 1))
	require.NoError(t, table.insert(testFlowKey(ProtocolTCP, 3), &fakeFlow{}))
}

func TestFlowTableDrain(t *testing.T) {
	table := newFlowTable(4)
	first, second := &fakeFlow{}, &fakeFlow{}
	require.NoError(t, table.insert(testFlowKey(ProtocolTCP, 1), first))
	require.NoError(t, table.insert(testFlowKey(ProtocolTCP, 2), second))

	flows := table.drain()
	assert.Len(t, flows, 2)
	assert.Equal(t, 0, table.size())

	for _, flow := range flows {
		flow.abort()
	}
	assert.True(t, first.aborted)
	assert.True(t, second.aborted)
}
