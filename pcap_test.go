// SPDX-License-Identifier: GPL-3.0-or-later

package uip_test

import (
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/bassosimone/iotest"
	"github.com/bassosimone/uip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPCAPTraceCloseHeaderWriteError(t *testing.T) {
	writeErr := errors.New("mocked write error")
	closeErr := errors.New("mocked close error")
	wc := &iotest.FuncWriteCloser{
		WriteFunc: func([]byte) (int, error) {
			return 0, writeErr
		},
		CloseFunc: func() error {
			return closeErr
		},
	}
	trace := uip.NewPCAPTrace(wc, uip.MTUEthernet)
	err := trace.Close()
	require.Error(t, err)
	assert.True(t, errors.Is(err, writeErr))
	assert.True(t, errors.Is(err, closeErr))
}

func TestPCAPTraceDroppedWhenBufferFull(t *testing.T) {
	gate := make(chan struct{})
	wc := &iotest.FuncWriteCloser{
		WriteFunc: func(b []byte) (int, error) {
			<-gate
			return len(b), nil
		},
		CloseFunc: func() error {
			return nil
		},
	}
	trace := uip.NewPCAPTrace(wc, uip.MTUEthernet, uip.PCAPTraceOptionBuffer(1))
	trace.Dump([]byte{0x00})
	trace.Dump([]byte{0x01})
	assert.Equal(t, uint64(1), trace.Dropped())
	close(gate)
	require.NoError(t, trace.Close())
}

func TestPCAPTraceFirstPacketWriteFails(t *testing.T) {
	// prepare the mock for failing during the first packet write
	writeErr := errors.New("mocked write error")
	closeErr := errors.New("mocked close error")
	var countWrites uint32
	packetWrite := make(chan struct{})
	wc := &iotest.FuncWriteCloser{
		WriteFunc: func(b []byte) (int, error) {
			if atomic.AddUint32(&countWrites, 1) == 1 {
				return len(b), nil
			}
			close(packetWrite)
			return 0, writeErr
		},
		CloseFunc: func() error {
			return closeErr
		},
	}

	// create the trace and dump the first packet whose write should fail
	trace := uip.NewPCAPTrace(wc, uip.MTUEthernet)
	trace.Dump([]byte{0x00})

	// wait for the first write to happen befor continuing
	<-packetWrite

	// close the trace and check we see both errors
	err := trace.Close()
	t.Log(err)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), writeErr.Error()))
	assert.True(t, errors.Is(err, closeErr))
}

func TestPCAPTraceTruncatesToSnapSize(t *testing.T) {
	written := make(chan int, 8)
	wc := &iotest.FuncWriteCloser{
		WriteFunc: func(b []byte) (int, error) {
			written <- len(b)
			return len(b), nil
		},
		CloseFunc: func() error {
			return nil
		},
	}
	trace := uip.NewPCAPTrace(wc, 16)
	trace.Dump(make([]byte, 1024))
	require.NoError(t, trace.Close())

	// expect the file header, the per-packet header, and a
	// payload truncated to the snap size
	<-written // file header
	<-written // packet header
	assert.Equal(t, 16, <-written)
}
