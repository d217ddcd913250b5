//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly
// +build linux darwin netbsd freebsd openbsd dragonfly

// Package muxloop is a single-threaded I/O multiplexer: it owns a set of
// non-blocking file descriptors and drives user callbacks when those
// descriptors become ready for reading, writing, accept, or close,
// together with scheduled one-shot time-based callbacks.
//
// Callers supply already-prepared descriptors (muxloop does not create
// sockets, bind, listen, connect, or resolve addresses) and application
// callbacks (muxloop does not parse protocols or handle requests). A Mux
// is not safe for concurrent use: every public method, including those
// called from within a callback, must run on the goroutine that calls Run
// or Loop.
package muxloop

import (
	"sync/atomic"
	"time"

	"muxloop/internal/logging"
)

// LoopEndFunc is invoked once per Run iteration, after event processing.
type LoopEndFunc func(mux *Mux, priv any)

// HangupFunc is invoked between Loop iterations when the process-wide
// hangup flag is observed set.
type HangupFunc func(mux *Mux, priv any)

// hangupFlag is the process-wide boolean described in spec.md section 6,
// typically set from a signal handler and observed between Loop
// iterations so user code never runs under signal-safety constraints.
var hangupFlag atomic.Bool

// SetHangup raises or clears the process-wide hangup flag.
func SetHangup(v bool) { hangupFlag.Store(v) }

// Mux is the multiplexer: the process-local object described in spec.md
// section 3.
type Mux struct {
	reg     *registry
	timers  *timerScheduler
	backend backend
	log     *logging.Logger

	leave bool

	loopEndCB   LoopEndFunc
	loopEndPriv any
	hangupCB    HangupFunc
	hangupPriv  any

	lastErr error

	readBuf []byte

	closed bool
}

// New creates a multiplexer with default options (16384-byte per-fd write
// buffers, auto-selected backend).
func New() (*Mux, error) {
	return NewWithOptions(Options{})
}

// NewWithOptions creates a multiplexer with the given Options.
func NewWithOptions(opts Options) (*Mux, error) {
	opts = opts.withDefaults()
	b, err := newBackend(opts.Backend)
	if err != nil {
		return nil, newErr("New", -1, err)
	}
	m := &Mux{
		reg:     newRegistry(opts.WriteBufferSize),
		timers:  newTimerScheduler(),
		backend: b,
		log:     opts.Logger,
		readBuf: make([]byte, DefaultBufferCapacity),
	}
	m.log.Debug("multiplexer created", "backend", b.kind().String())
	return m, nil
}

// Destroy iterates from maxfd down to minfd, closing each live connection,
// then releases the backend (spec.md section 3's Lifecycle).
func (m *Mux) Destroy() {
	if m.closed {
		return
	}
	for fd := m.reg.maxfd; fd >= m.reg.minfd; fd-- {
		if m.reg.get(fd) != nil {
			m.Close(fd)
		}
	}
	m.backend.close()
	m.closed = true
}

func (m *Mux) setErr(err error) { m.lastErr = err }
func (m *Mux) clearErr()        { m.lastErr = nil }

// LastError returns the error set by the most recent failed operation, or
// nil. It is muxloop's equivalent of spec.md's "error buffer".
func (m *Mux) LastError() error { return m.lastErr }

// LoopEndHook installs a callback invoked once per Run iteration after
// event processing.
func (m *Mux) LoopEndHook(cb LoopEndFunc, priv any) {
	m.loopEndCB = cb
	m.loopEndPriv = priv
}

// HangupHook installs a callback invoked by Loop between iterations
// whenever the process-wide hangup flag is set.
func (m *Mux) HangupHook(cb HangupFunc, priv any) {
	m.hangupCB = cb
	m.hangupPriv = priv
}

// EndLoop requests that Loop return after the current iteration finishes.
func (m *Mux) EndLoop() { m.leave = true }

// Schedule allocates a one-shot timeout and returns its id (never zero).
// Zero is returned on failure.
func (m *Mux) Schedule(d time.Duration, cb TimeoutCallback, priv any) uint64 {
	r := m.timers.schedule(d, cb, priv)
	m.armTimer(r)
	return r.id
}

// Reschedule removes any existing timer with id (creating a fresh one if
// none matches) and schedules it anew, returning the id of the new/updated
// timer.
func (m *Mux) Reschedule(id uint64, d time.Duration, cb TimeoutCallback, priv any) uint64 {
	if id != 0 {
		m.disarmTimerByID(id)
	}
	r := m.timers.reschedule(id, d, cb, priv)
	m.armTimer(r)
	return r.id
}

// Unschedule removes the matching timer, returning whether one was found.
func (m *Mux) Unschedule(id uint64) bool {
	m.disarmTimerByID(id)
	return m.timers.unschedule(id)
}

// UnscheduleAll removes every timer whose callback and priv both match,
// returning the count removed. priv is compared with ==, so it must hold a
// comparable dynamic type (as with any map key).
func (m *Mux) UnscheduleAll(cb TimeoutCallback, priv any) int {
	armed := make([]uint64, 0)
	for id, r := range m.timers.byID {
		if r.armed && sameCallback(r.cb, cb) && r.priv == priv {
			armed = append(armed, id)
		}
	}
	removed := m.timers.unscheduleAll(cb, priv)
	for _, id := range armed {
		m.backend.disarmTimer(id)
	}
	return len(removed)
}

// SetTimeout is a convenience wrapper: passing a non-negative d schedules
// (or reschedules) a timer for fd that invokes its OnTimeout callback;
// passing a negative d clears any timer associated with fd. It returns the
// (possibly new) timer id, or 0 when cleared (spec.md section 4.3).
func (m *Mux) SetTimeout(fd int, d time.Duration) uint64 {
	rec := m.reg.get(fd)
	if rec == nil {
		return 0
	}
	if d < 0 {
		if rec.timeoutID != 0 {
			m.Unschedule(rec.timeoutID)
			rec.timeoutID = 0
		}
		return 0
	}
	bridge := fdTimeoutBridge(fd)
	id := m.Reschedule(rec.timeoutID, d, bridge, nil)
	rec.timeoutID = id
	return id
}

// fdTimeoutBridge returns a callback that looks up fd's connection and, if
// still present, invokes its OnTimeout — the fd is encoded into the
// returned closure rather than into a void* priv, since Go callbacks
// naturally close over state (spec.md section 4.3's "bridge callback").
func fdTimeoutBridge(fd int) TimeoutCallback {
	return func(mux *Mux, _ any) {
		rec := mux.reg.get(fd)
		if rec == nil {
			return
		}
		rec.timeoutID = 0
		if rec.cb.OnTimeout != nil {
			rec.cb.OnTimeout(mux, fd, rec.cb.Priv)
		}
	}
}

func (m *Mux) armTimer(r *timeoutRecord) {
	if !m.backend.supportsTimers() {
		return
	}
	d := time.Until(r.deadline)
	if d < 0 {
		d = 0
	}
	if err := m.backend.armTimer(r.id, d); err == nil {
		r.armed = true
	}
}

func (m *Mux) disarmTimerByID(id uint64) {
	if r, ok := m.timers.byID[id]; ok && r.armed {
		m.backend.disarmTimer(id)
	}
}

// Stats is a read-only snapshot of registry and timer state.
type Stats struct {
	Connections int
	Timers      int
	MinFD       int
	MaxFD       int
	Backend     BackendKind
}

// Stats reports a point-in-time snapshot, grounded in the one-off
// metrics-snapshot shape used by the richer example in the retrieval pack
// (see DESIGN.md).
func (m *Mux) Stats() Stats {
	return Stats{
		Connections: m.reg.count,
		Timers:      m.timers.len(),
		MinFD:       m.reg.minfd,
		MaxFD:       m.reg.maxfd,
		Backend:     m.backend.kind(),
	}
}
