// SPDX-License-Identifier: GPL-3.0-or-later

package uip

import (
	"errors"
	"sync"
)

// Errors returned by [*flowTable.insert].
var (
	// errFlowExists indicates the key already maps to a live flow.
	errFlowExists = errors.New("uip: flow already exists")

	// errTableFull indicates the table is at capacity.
	errTableFull = errors.New("uip: flow table is full")
)

// tableFlow is the view of a flow held by the [*flowTable].
//
// The table never mutates flow state: it only routes packets to the
// owning flow and tears flows down when the stack shuts down.
type tableFlow interface {
	// deliver enqueues a parsed packet for the flow without
	// blocking. The callee copies what it needs to retain.
	deliver(pkt *packet)

	// abort tears the flow down without running the close
	// sequence. Used when the whole stack shuts down.
	abort()
}

// flowTable maps flow keys to live flows.
//
// The table is the one structure shared between the ingress dispatch
// path and consumer-facing operations, so every method locks. Each
// flow signals its own termination by calling remove, which keeps
// eviction opportunistic: there is no background sweep.
type flowTable struct {
	// capacity bounds the number of concurrent flows.
	capacity int

	// flows maps keys to flows.
	flows map[FlowKey]tableFlow

	// mu provides mutual exclusion.
	mu sync.Mutex
}

// newFlowTable creates a [*flowTable] with the given capacity.
func newFlowTable(capacity int) *flowTable {
	return &flowTable{
		capacity: capacity,
		flows:    make(map[FlowKey]tableFlow),
		mu:       sync.Mutex{},
	}
}

// lookup returns the flow associated with key, if any.
func (t *flowTable) lookup(key FlowKey) (tableFlow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	flow, found := t.flows[key]
	return flow, found
}

// insert associates key with flow. It fails with [errFlowExists]
// when the key is already present and with [errTableFull] when the
// table is at capacity.
func (t *flowTable) insert(key FlowKey, flow tableFlow) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, found := t.flows[key]; found {
		return errFlowExists
	}
	if len(t.flows) >= t.capacity {
		return errTableFull
	}
	t.flows[key] = flow
	return nil
}

// remove removes key from the table. Removing an absent key is a
// no-op, so flows may call this multiple times while terminating.
func (t *flowTable) remove(key FlowKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.flows, key)
}

// size returns the number of live flows.
func (t *flowTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.flows)
}

// drain empties the table and returns the flows it contained.
func (t *flowTable) drain() []tableFlow {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]tableFlow, 0, len(t.flows))
	for _, flow := range t.flows {
		out = append(out, flow)
	}
	t.flows = make(map[FlowKey]tableFlow)
	return out
}
