//go:build darwin || dragonfly || freebsd || netbsd || openbsd
// +build darwin dragonfly freebsd netbsd openbsd

package muxloop

import (
	"time"

	"golang.org/x/sys/unix"
)

// kqueueBackend is V2 from spec.md section 4.1: a kernel event queue with
// per-fd filters. Each descriptor has at most two filters registered (read,
// and write when output is pending or an on_output callback exists); the
// timer filter (EVFILT_TIMER) is keyed directly by the timeout id, with no
// auxiliary fd needed the way the edge-readiness backend needs a timerfd.
type kqueueBackend struct {
	kq      int
	events  []unix.Kevent_t
	out     []backendEvent
	readers map[int]bool
	writers map[int]bool
}

func newKqueueBackend() (backend, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, newErr("newKqueueBackend", -1, err)
	}
	return &kqueueBackend{
		kq:      kq,
		events:  make([]unix.Kevent_t, maxBackendEvents),
		readers: make(map[int]bool),
		writers: make(map[int]bool),
	}, nil
}

func (b *kqueueBackend) changeFilter(fd int, filter int16, want bool) error {
	flags := uint16(unix.EV_ADD | unix.EV_CLEAR)
	if !want {
		flags = unix.EV_DELETE
	}
	ch := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: filter,
		Flags:  flags,
	}
	_, err := unix.Kevent(b.kq, []unix.Kevent_t{ch}, nil, nil)
	if err != nil && !want && (err == unix.ENOENT || err == unix.EBADF) {
		// deleting a filter that's already gone is success.
		return nil
	}
	return err
}

func (b *kqueueBackend) attach(fd int, wantRead, wantWrite bool) error {
	if wantRead {
		if err := b.changeFilter(fd, unix.EVFILT_READ, true); err != nil {
			return newErr("attach", fd, err)
		}
		b.readers[fd] = true
	}
	if wantWrite {
		if err := b.changeFilter(fd, unix.EVFILT_WRITE, true); err != nil {
			return newErr("attach", fd, err)
		}
		b.writers[fd] = true
	}
	return nil
}

func (b *kqueueBackend) modify(fd int, wantRead, wantWrite bool) error {
	if wantRead != b.readers[fd] {
		if err := b.changeFilter(fd, unix.EVFILT_READ, wantRead); err != nil {
			return newErr("modify", fd, err)
		}
		b.readers[fd] = wantRead
	}
	if wantWrite != b.writers[fd] {
		if err := b.changeFilter(fd, unix.EVFILT_WRITE, wantWrite); err != nil {
			return newErr("modify", fd, err)
		}
		b.writers[fd] = wantWrite
	}
	return nil
}

func (b *kqueueBackend) detach(fd int) error {
	if b.readers[fd] {
		b.changeFilter(fd, unix.EVFILT_READ, false)
		delete(b.readers, fd)
	}
	if b.writers[fd] {
		b.changeFilter(fd, unix.EVFILT_WRITE, false)
		delete(b.writers, fd)
	}
	return nil
}

func (b *kqueueBackend) supportsTimers() bool { return true }

func (b *kqueueBackend) armTimer(id uint64, d time.Duration) error {
	ms := d.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	ch := unix.Kevent_t{
		Ident:  uint64(id),
		Filter: unix.EVFILT_TIMER,
		Flags:  unix.EV_ADD | unix.EV_ONESHOT,
		Data:   ms,
	}
	_, err := unix.Kevent(b.kq, []unix.Kevent_t{ch}, nil, nil)
	if err != nil {
		return newErr("armTimer", -1, err)
	}
	return nil
}

func (b *kqueueBackend) disarmTimer(id uint64) error {
	ch := unix.Kevent_t{
		Ident:  uint64(id),
		Filter: unix.EVFILT_TIMER,
		Flags:  unix.EV_DELETE,
	}
	unix.Kevent(b.kq, []unix.Kevent_t{ch}, nil, nil)
	return nil
}

func (b *kqueueBackend) wait(timeout time.Duration) ([]backendEvent, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	n, err := unix.Kevent(b.kq, nil, b.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, newErr("wait", -1, err)
	}
	b.out = b.out[:0]
	for i := 0; i < n; i++ {
		raw := b.events[i]
		if raw.Filter == unix.EVFILT_TIMER {
			b.out = append(b.out, backendEvent{TimerID: uint64(raw.Ident), Kind: evTimer})
			continue
		}
		fd := int(raw.Ident)
		var kind eventKind
		switch raw.Filter {
		case unix.EVFILT_READ:
			kind |= evRead
		case unix.EVFILT_WRITE:
			kind |= evWrite
		}
		if raw.Flags&unix.EV_EOF != 0 {
			kind |= evHangup
		}
		if raw.Flags&unix.EV_ERROR != 0 {
			kind |= evError
		}
		b.out = append(b.out, backendEvent{Fd: fd, Kind: kind})
	}
	return b.out, nil
}

func (b *kqueueBackend) close() error {
	return unix.Close(b.kq)
}

func (b *kqueueBackend) kind() BackendKind { return BackendKernelQueue }
