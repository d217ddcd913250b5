//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly
// +build linux darwin netbsd freebsd openbsd dragonfly

package muxloop

import "golang.org/x/sys/unix"

// connFlags holds per-connection bit flags.
type connFlags uint8

const flagServer connFlags = 1 << 0

// InputFunc is invoked with bytes read from fd. data is only valid for the
// duration of the call.
type InputFunc func(mux *Mux, fd int, data []byte, priv any)

// OutputFunc is invoked when fd is writable and its output buffer is
// empty; it is expected to fill the buffer via Write. When non-nil, fd is
// kept registered for write-readiness continuously (spec.md section 9).
type OutputFunc func(mux *Mux, fd int, priv any)

// EOFFunc is invoked exactly once when fd is closed, before its record is
// freed.
type EOFFunc func(mux *Mux, fd int, priv any)

// ConnectionFunc is invoked once per accepted connection on a listening
// socket; newFD is the accepted descriptor and is not yet registered — the
// callback is expected to call Add for it.
type ConnectionFunc func(mux *Mux, listenFD, newFD int, priv any)

// Callbacks is the callback set associated with one descriptor, plus the
// single opaque Priv value passed to every member (spec.md section 3).
type Callbacks struct {
	OnInput      InputFunc
	OnOutput     OutputFunc
	OnTimeout    TimeoutCallback
	OnEOF        EOFFunc
	OnConnection ConnectionFunc
	Priv         any
}

func (c Callbacks) empty() bool {
	return c.OnInput == nil && c.OnOutput == nil && c.OnTimeout == nil &&
		c.OnEOF == nil && c.OnConnection == nil
}

// connRecord is owned by the multiplexer; see spec.md section 3.
type connRecord struct {
	fd        int
	flags     connFlags
	cb        Callbacks
	outbuf    []byte // len == capacity; outlen tracks the used prefix
	outlen    int
	timeoutID uint64
	// writeArmed tracks whether the backend currently has write interest
	// registered for this fd, so modify() is only called on transitions.
	writeArmed bool
	// closing marks that Close(fd) is already draining/tearing down this
	// record, guarding against re-entrant Close calls from within OnEOF.
	closing bool
}

func (c *connRecord) isServer() bool { return c.flags&flagServer != 0 }

// registry is component C2: the descriptor → connection record mapping,
// with the minfd/maxfd cursors bounding the occupied range (spec.md
// section 3's invariant).
type registry struct {
	conns       []*connRecord
	minfd       int
	maxfd       int
	count       int
	bufCapacity int
}

func newRegistry(bufCapacity int) *registry {
	return &registry{
		conns:       make([]*connRecord, MaxFDs),
		minfd:       MaxFDs,
		maxfd:       -1,
		bufCapacity: bufCapacity,
	}
}

func (r *registry) get(fd int) *connRecord {
	if fd < 0 || fd >= MaxFDs {
		return nil
	}
	return r.conns[fd]
}

func (r *registry) isEmpty() bool { return r.count == 0 }

// insert places rec at fd and updates the min/max cursors. Caller must have
// already validated the slot is empty.
func (r *registry) insert(fd int, rec *connRecord) {
	r.conns[fd] = rec
	if fd < r.minfd {
		r.minfd = fd
	}
	if fd > r.maxfd {
		r.maxfd = fd
	}
	r.count++
}

// delete clears the slot at fd and rewinds/advances the cursors past any
// newly-empty trailing/leading slots, per spec.md section 4.2.
func (r *registry) delete(fd int) {
	if r.conns[fd] == nil {
		return
	}
	r.conns[fd] = nil
	r.count--

	if r.count == 0 {
		r.minfd = MaxFDs
		r.maxfd = -1
		return
	}
	for r.maxfd >= r.minfd && r.conns[r.maxfd] == nil {
		r.maxfd--
	}
	for r.minfd <= r.maxfd && r.conns[r.minfd] == nil {
		r.minfd++
	}
}

// Add registers fd with callbacks. Preconditions: fd >= 0, fd < MaxFDs, the
// slot is empty, and at least one callback is supplied (spec.md section
// 4.2). Returns 1 on success, 0 on failure, matching the flat C5 surface of
// spec.md section 6 via a bool for idiomatic Go.
func (m *Mux) Add(fd int, cb Callbacks) (bool, error) {
	if fd < 0 {
		m.setErr(newErr("add", fd, ErrInvalidFD))
		return false, m.lastErr
	}
	if fd >= MaxFDs {
		m.setErr(newErr("add", fd, ErrFDRange))
		return false, m.lastErr
	}
	if m.reg.get(fd) != nil {
		m.setErr(newErr("add", fd, ErrAlreadyAdded))
		return false, m.lastErr
	}
	if cb.empty() {
		m.setErr(newErr("add", fd, ErrNoCallbacks))
		return false, m.lastErr
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		m.setErr(newErr("add", fd, ErrBackendRejected))
		return false, m.lastErr
	}

	wantWrite := cb.OnOutput != nil
	if err := m.backend.attach(fd, true, wantWrite); err != nil {
		m.setErr(newErr("add", fd, ErrBackendRejected))
		return false, m.lastErr
	}

	rec := &connRecord{
		fd:         fd,
		cb:         cb,
		outbuf:     make([]byte, m.reg.bufCapacity),
		writeArmed: wantWrite,
	}
	m.reg.insert(fd, rec)
	m.clearErr()
	return true, nil
}

// Remove unregisters fd. It is silent-idempotent on an already-empty slot:
// callers that raced a close() are not penalized (spec.md section 4.2).
func (m *Mux) Remove(fd int) {
	rec := m.reg.get(fd)
	if rec == nil {
		return
	}
	if rec.timeoutID != 0 {
		m.Unschedule(rec.timeoutID)
		rec.timeoutID = 0
	}
	if err := m.backend.detach(fd); err != nil {
		m.log.Warn("detach failed during remove", "fd", fd, "err", err)
	}
	m.reg.delete(fd)
}

// Listen marks fd as a listening socket after asserting that OnConnection
// is present. The caller is responsible for having bound and listened on
// the socket already (spec.md section 4.2).
func (m *Mux) Listen(fd int) (bool, error) {
	rec := m.reg.get(fd)
	if rec == nil {
		m.setErr(newErr("listen", fd, ErrNotFound))
		return false, m.lastErr
	}
	if rec.cb.OnConnection == nil {
		m.setErr(newErr("listen", fd, ErrNoConnection))
		return false, m.lastErr
	}
	rec.flags |= flagServer
	m.clearErr()
	return true, nil
}

// IsEmpty returns true when the registry contains no connections.
func (m *Mux) IsEmpty() bool { return m.reg.isEmpty() }
