//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly
// +build linux darwin netbsd freebsd openbsd dragonfly

package muxloop

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestEchoThroughLoopback mirrors spec.md section 8's literal scenario: a
// listening socket accepts one connection, the server side asserts the
// bytes it receives, arms a 1-second timeout on itself, and the timeout
// callback ends the loop.
func TestEchoThroughLoopback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	accepted, err := ln.Accept()
	require.NoError(t, err)
	defer accepted.Close()

	m, err := New()
	require.NoError(t, err)
	defer m.Destroy()

	serverFD := dupFD(t, accepted)

	var gotInput []byte
	var onTimeoutFired bool

	ok, err := m.Add(serverFD, Callbacks{
		OnInput: func(mux *Mux, fd int, data []byte, priv any) {
			gotInput = append([]byte(nil), data...)
			mux.SetTimeout(fd, time.Second)
		},
		OnTimeout: func(mux *Mux, fd int, priv any) {
			onTimeoutFired = true
			mux.EndLoop()
		},
	})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = client.Write([]byte("CIAO"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- m.Loop(0) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not return within 5s")
	}

	require.Equal(t, []byte("CIAO"), gotInput)
	require.True(t, onTimeoutFired)
}

// TestBufferSaturation mirrors spec.md section 8: writing exactly
// capacity bytes succeeds in full; any further write returns 0 until the
// buffer drains.
func TestBufferSaturation(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	// a client that never reads, so the server's writes back up.
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	accepted, err := ln.Accept()
	require.NoError(t, err)
	defer accepted.Close()

	m, err := New()
	require.NoError(t, err)
	defer m.Destroy()

	fd := dupFD(t, accepted)
	ok, err := m.Add(fd, Callbacks{OnEOF: func(*Mux, int, any) {}})
	require.NoError(t, err)
	require.True(t, ok)

	payload := make([]byte, DefaultBufferCapacity)
	n := m.Write(fd, payload)
	require.Equal(t, DefaultBufferCapacity, n)

	n2 := m.Write(fd, []byte{0x01})
	require.Equal(t, 0, n2)
}

// TestTimerOrdering mirrors spec.md section 8: of three timers scheduled
// out of order, the one with the shortest wait is at the head of the timer
// list, and unschedule reports presence correctly. No timer is run here.
func TestTimerOrdering(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	defer m.Destroy()

	var fired []int
	mk := func(tag int) TimeoutCallback {
		return func(mux *Mux, priv any) { fired = append(fired, tag) }
	}

	m.Schedule(2*time.Second, mk(2), nil)
	oneID := m.Schedule(1*time.Second, mk(1), nil)
	threeID := m.Schedule(3*time.Second, mk(3), nil)

	require.NotZero(t, oneID)
	head := m.timers.head()
	require.NotNil(t, head)
	require.Equal(t, oneID, head.id)

	require.True(t, m.Unschedule(threeID))
	require.False(t, m.Unschedule(threeID))
	require.False(t, m.Unschedule(999999))
}

// TestCloseDuringInput mirrors spec.md section 8: an OnInput callback that
// closes its own fd must not trigger a subsequent write callback for that
// fd in the same dispatch iteration.
func TestCloseDuringInput(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	accepted, err := ln.Accept()
	require.NoError(t, err)
	defer accepted.Close()

	m, err := New()
	require.NoError(t, err)
	defer m.Destroy()

	fd := dupFD(t, accepted)
	var onOutputCalled bool
	var onEOFCalled bool
	ok, err := m.Add(fd, Callbacks{
		OnInput: func(mux *Mux, fd int, data []byte, priv any) {
			mux.Close(fd)
		},
		OnOutput: func(mux *Mux, fd int, priv any) { onOutputCalled = true },
		OnEOF:    func(mux *Mux, fd int, priv any) { onEOFCalled = true },
	})
	require.NoError(t, err)
	require.True(t, ok)
	m.Write(fd, []byte("pending"))

	_, err = client.Write([]byte("x"))
	require.NoError(t, err)

	require.NoError(t, m.Run(2*time.Second))

	require.True(t, onEOFCalled)
	require.False(t, onOutputCalled)
	require.Nil(t, m.reg.get(fd))
}

// TestReAddAfterRemove mirrors spec.md section 8: add/remove/add on the
// same descriptor all succeed, the second add seeing an empty slot.
func TestReAddAfterRemove(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	accepted, err := ln.Accept()
	require.NoError(t, err)
	defer accepted.Close()

	m, err := New()
	require.NoError(t, err)
	defer m.Destroy()

	fd := dupFD(t, accepted)
	ok, err := m.Add(fd, Callbacks{OnEOF: func(*Mux, int, any) {}})
	require.NoError(t, err)
	require.True(t, ok)

	m.Remove(fd)
	require.Nil(t, m.reg.get(fd))

	ok, err = m.Add(fd, Callbacks{OnEOF: func(*Mux, int, any) {}})
	require.NoError(t, err)
	require.True(t, ok)
	m.Remove(fd)
}

// TestScheduleAfterIdleWaitIsNotDecayed is a regression test: a timer's
// deadline is anchored to the wall clock at schedule time, so time that
// elapsed before the timer existed (e.g. a prior Run's idle blocking wait)
// must not count against it.
func TestScheduleAfterIdleWaitIsNotDecayed(t *testing.T) {
	m, err := NewWithOptions(Options{Backend: BackendBitsetScan})
	require.NoError(t, err)
	defer m.Destroy()

	time.Sleep(150 * time.Millisecond)

	id := m.Schedule(100*time.Millisecond, func(*Mux, any) {}, nil)
	require.NotZero(t, id)

	fired := m.timers.popExpired(time.Now())
	require.Empty(t, fired, "timer scheduled after prior idle wait must not inherit that elapsed time")

	time.Sleep(150 * time.Millisecond)
	fired = m.timers.popExpired(time.Now())
	require.Len(t, fired, 1)
}

// TestCloseReentrantFromOnEOFIsNoop covers the re-entrancy contract: an
// OnEOF that calls Close on its own fd must not re-drain or re-invoke
// OnEOF, since the record is still present while OnEOF runs.
func TestCloseReentrantFromOnEOFIsNoop(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	accepted, err := ln.Accept()
	require.NoError(t, err)
	defer accepted.Close()

	m, err := New()
	require.NoError(t, err)
	defer m.Destroy()

	fd := dupFD(t, accepted)
	var eofCalls int
	ok, err := m.Add(fd, Callbacks{
		OnEOF: func(mux *Mux, fd int, priv any) {
			eofCalls++
			mux.Close(fd)
		},
	})
	require.NoError(t, err)
	require.True(t, ok)

	m.Close(fd)

	require.Equal(t, 1, eofCalls)
	require.Nil(t, m.reg.get(fd))
}
