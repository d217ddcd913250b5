//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly
// +build linux darwin netbsd freebsd openbsd dragonfly

package muxloop

import "time"

// maxBackendEvents bounds how many events a single wait() call reports,
// matching the teacher's poller batch size (gaio's maxEvents).
const maxBackendEvents = 1024

// eventKind is a bitset subset of {READ, WRITE, TIMER, HANGUP, ERROR} as
// described in spec.md section 4.1.
type eventKind uint8

const (
	evRead eventKind = 1 << iota
	evWrite
	evTimer
	evHangup
	evError
)

// backendEvent reports one readiness or timer notification. Fd is the
// descriptor for I/O events; TimerID is populated instead when Kind
// includes evTimer and the backend natively tracks timers (kernel-queue or
// edge-readiness). A bitset-scan backend never produces evTimer; its
// timers are swept by the dispatch loop directly from the timer list.
type backendEvent struct {
	Fd      int
	TimerID uint64
	Kind    eventKind
}

// backend is component C1: register/modify/unregister interest in
// readiness for a descriptor, wait for events with a timeout, and
// optionally arm/disarm native timers. Exactly one implementation is
// active per multiplexer.
type backend interface {
	// attach registers interest in fd's readiness. Idempotent failure
	// (e.g. duplicate registration at the kernel level) returns a
	// descriptive error; it never panics.
	attach(fd int, wantRead, wantWrite bool) error
	// modify updates previously registered interest flags.
	modify(fd int, wantRead, wantWrite bool) error
	// detach removes interest in fd. Must tolerate a descriptor that has
	// already been closed elsewhere: that is reported as success.
	detach(fd int) error

	// supportsTimers reports whether armTimer/disarmTimer are backed by
	// the kernel. When false, the dispatch loop falls back to scanning
	// the timer list itself.
	supportsTimers() bool
	// armTimer schedules a native one-shot timer keyed by id. Returns
	// ErrUnsupported on backends where supportsTimers is false.
	armTimer(id uint64, d time.Duration) error
	// disarmTimer cancels a previously armed native timer.
	disarmTimer(id uint64) error

	// wait blocks for up to timeout (infinite when timeout < 0) and
	// returns the events observed. The returned slice is owned by the
	// backend and is only valid until the next call to wait.
	wait(timeout time.Duration) ([]backendEvent, error)

	// close releases kernel resources held by the backend.
	close() error

	// kind identifies which concrete variant this is, for diagnostics.
	kind() BackendKind
}

// newBackend constructs the backend selected by kind. BackendAuto resolves
// to the feature-richest variant the current build supports.
func newBackend(kind BackendKind) (backend, error) {
	switch kind {
	case BackendEdgeReadiness:
		return newEdgeBackend()
	case BackendKernelQueue:
		return newKqueueBackend()
	case BackendBitsetScan:
		return newSelectBackend()
	case BackendAuto:
		return newPreferredBackend()
	default:
		return nil, newErr("newBackend", -1, ErrUnsupported)
	}
}

// newPreferredBackend tries edge-readiness, then kernel-queue, falling back
// to the always-available bitset scan. On any single-platform build at
// most one of the first two succeeds; this keeps backend selection
// platform-agnostic at the call site.
func newPreferredBackend() (backend, error) {
	if b, err := newEdgeBackend(); err == nil {
		return b, nil
	}
	if b, err := newKqueueBackend(); err == nil {
		return b, nil
	}
	return newSelectBackend()
}
