//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly
// +build linux darwin netbsd freebsd openbsd dragonfly

package muxloop

import (
	"time"

	"golang.org/x/sys/unix"
)

// noWait is the sentinel meaning "no caller-supplied ceiling" for Run's
// default_wait parameter; a negative duration means infinite.
const noWait time.Duration = -1

// Write appends up to capacity-outlen bytes to fd's output buffer and
// returns the number accepted (spec.md section 4.5 / invariant 6). It
// never blocks; bytes beyond capacity are dropped and the caller is
// expected to retry later.
func (m *Mux) Write(fd int, data []byte) int {
	rec := m.reg.get(fd)
	if rec == nil {
		return 0
	}
	room := len(rec.outbuf) - rec.outlen
	n := len(data)
	if n > room {
		n = room
	}
	if n <= 0 {
		return 0
	}
	copy(rec.outbuf[rec.outlen:], data[:n])
	rec.outlen += n
	m.armWriteInterest(rec)
	return n
}

func (m *Mux) armWriteInterest(rec *connRecord) {
	if rec.writeArmed {
		return
	}
	if err := m.backend.modify(rec.fd, true, true); err == nil {
		rec.writeArmed = true
	}
}

func (m *Mux) disarmWriteInterest(rec *connRecord) {
	if !rec.writeArmed || rec.cb.OnOutput != nil {
		return
	}
	if err := m.backend.modify(rec.fd, true, false); err == nil {
		rec.writeArmed = false
	}
}

// Close attempts up to five write retries to drain the output buffer using
// blocking-ish semantics (honouring EINTR/EAGAIN with a short sleep between
// retries), then invokes OnEOF, then removes the record. The underlying
// descriptor itself is never closed by muxloop: the caller owns its
// lifetime beyond detachment (spec.md section 4.5).
//
// rec.closing guards against an OnEOF that re-enters Close on its own fd:
// the record is still present at that point (it is only removed after
// OnEOF returns), so without the guard the re-entrant call would re-drain
// and re-invoke OnEOF instead of being a no-op.
func (m *Mux) Close(fd int) {
	rec := m.reg.get(fd)
	if rec == nil || rec.closing {
		return
	}
	rec.closing = true
	for i := 0; i < 5 && rec.outlen > 0; i++ {
		n, err := unix.Write(fd, rec.outbuf[:rec.outlen])
		if n > 0 {
			copy(rec.outbuf, rec.outbuf[n:rec.outlen])
			rec.outlen -= n
			continue
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			time.Sleep(time.Millisecond)
			continue
		}
		break
	}

	cb := rec.cb
	if cb.OnEOF != nil {
		cb.OnEOF(m, fd, cb.Priv)
	}
	m.Remove(fd)
}

// Run executes one dispatch iteration: build the wait set, block on the
// backend for up to the effective wait, classify and process every
// reported event in backend order, then sweep expired timers (spec.md
// section 4.4).
func (m *Mux) Run(defaultWait time.Duration) error {
	effective := defaultWait
	if head := m.timers.head(); head != nil {
		remaining := time.Until(head.deadline)
		if remaining < 0 {
			remaining = 0
		}
		if effective < 0 || remaining < effective {
			effective = remaining
		}
	}

	events, err := m.backend.wait(effective)
	if err != nil {
		return err
	}

	for _, ev := range events {
		if ev.Kind&evTimer != 0 {
			m.fireTimer(ev.TimerID)
			continue
		}
		m.handleEvent(ev)
	}

	// Kernel-timer backends (edge-readiness, kernel-queue) deliver expiry
	// as an evTimer event above, handled by fireTimer, which also disarms
	// the backend's native timer; sweeping the heap here too would fire
	// those callbacks a second time from stale deadlines and leak the
	// backend's armed timer, since popExpired bypasses disarmTimer (spec.md
	// section 4.4 step 4 reserves the sweep for the bitset-scan backend).
	if !m.backend.supportsTimers() {
		m.sweepExpiredTimers()
	}

	if m.loopEndCB != nil {
		m.loopEndCB(m, m.loopEndPriv)
	}
	return nil
}

func (m *Mux) fireTimer(id uint64) {
	r, ok := m.timers.byID[id]
	if !ok {
		return
	}
	cb, priv := r.cb, r.priv
	m.Unschedule(id)
	cb(m, priv)
}

func (m *Mux) sweepExpiredTimers() {
	for _, r := range m.timers.popExpired(time.Now()) {
		r.cb(m, r.priv)
	}
}

func (m *Mux) handleEvent(ev backendEvent) {
	fd := ev.Fd
	rec := m.reg.get(fd)
	if rec == nil {
		return
	}

	if ev.Kind&evRead != 0 {
		if rec.isServer() {
			m.acceptLoop(fd, rec)
		} else {
			m.handleReadable(fd, rec)
		}
		rec = m.reg.get(fd)
		if rec == nil {
			return
		}
	}

	if ev.Kind&evWrite != 0 {
		m.handleWritable(fd, rec)
		rec = m.reg.get(fd)
		if rec == nil {
			return
		}
	}

	if ev.Kind&(evHangup|evError) != 0 {
		m.Close(fd)
		return
	}
}

// acceptLoop drains pending connections on a listening socket to
// exhaustion, per spec.md section 4.4's fairness rule.
func (m *Mux) acceptLoop(fd int, rec *connRecord) {
	for {
		newfd, _, err := unix.Accept(fd)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			break // EAGAIN or any other error: nothing more pending
		}
		if rec.cb.OnConnection != nil {
			rec.cb.OnConnection(m, fd, newfd, rec.cb.Priv)
		}
		// a closed/removed listening fd stops the drain immediately
		if m.reg.get(fd) == nil {
			return
		}
	}
}

func (m *Mux) handleReadable(fd int, rec *connRecord) {
	n, err := unix.Read(fd, m.readBuf)
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		return
	case err != nil:
		m.Close(fd)
		return
	case n == 0:
		m.Close(fd)
		return
	}
	if rec.cb.OnInput != nil {
		rec.cb.OnInput(m, fd, m.readBuf[:n], rec.cb.Priv)
	}
}

func (m *Mux) handleWritable(fd int, rec *connRecord) {
	if rec.outlen == 0 && rec.cb.OnOutput != nil {
		rec.cb.OnOutput(m, fd, rec.cb.Priv)
		rec = m.reg.get(fd)
		if rec == nil {
			return
		}
	}
	if rec.outlen == 0 {
		return
	}

	n, err := unix.Write(fd, rec.outbuf[:rec.outlen])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		m.Close(fd)
		return
	}
	if n > 0 {
		copy(rec.outbuf, rec.outbuf[n:rec.outlen])
		rec.outlen -= n
	}
	if rec.outlen == 0 {
		m.disarmWriteInterest(rec)
	}
}

// Loop repeats Run until EndLoop is called; after each Run it invokes the
// loop_end hook and, if the process-wide hangup flag is raised, the
// hangup hook (spec.md section 4.4).
func (m *Mux) Loop(defaultWaitSeconds int) error {
	m.leave = false
	wait := noWait
	if defaultWaitSeconds >= 0 {
		wait = time.Duration(defaultWaitSeconds) * time.Second
	}
	for !m.leave {
		if err := m.Run(wait); err != nil {
			return err
		}
		if hangupFlag.Load() && m.hangupCB != nil {
			m.hangupCB(m, m.hangupPriv)
		}
	}
	return nil
}
