//go:build linux
// +build linux

package muxloop

import (
	"time"

	"golang.org/x/sys/unix"
)

// edgeBackend is V1 from spec.md section 4.1: an edge-triggered epoll
// readiness set. Descriptors are registered with EPOLLET; write interest
// is added on demand when outlen first becomes positive (or an on_output
// callback is installed) and removed once the buffer drains. Timers ride
// on the kernel's one-shot timerfd facility: each armed timer owns a
// timerfd registered for read-readiness, and a reverse map lets wait()
// translate that readiness back into a TIMER event carrying the timeout id.
type edgeBackend struct {
	epfd    int
	events  []unix.EpollEvent
	timerFD map[uint64]int // timeout id -> timerfd
	fdTimer map[int]uint64 // timerfd -> timeout id
	out     []backendEvent
}

func newEdgeBackend() (backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, newErr("newEdgeBackend", -1, err)
	}
	return &edgeBackend{
		epfd:    epfd,
		events:  make([]unix.EpollEvent, maxBackendEvents),
		timerFD: make(map[uint64]int),
		fdTimer: make(map[int]uint64),
	}, nil
}

func epollMask(wantRead, wantWrite bool) uint32 {
	var m uint32 = unix.EPOLLET
	if wantRead {
		m |= unix.EPOLLIN
	}
	if wantWrite {
		m |= unix.EPOLLOUT
	}
	return m
}

func (b *edgeBackend) attach(fd int, wantRead, wantWrite bool) error {
	ev := unix.EpollEvent{Events: epollMask(wantRead, wantWrite), Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return newErr("attach", fd, err)
	}
	return nil
}

func (b *edgeBackend) modify(fd int, wantRead, wantWrite bool) error {
	ev := unix.EpollEvent{Events: epollMask(wantRead, wantWrite), Fd: int32(fd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return newErr("modify", fd, err)
	}
	return nil
}

func (b *edgeBackend) detach(fd int) error {
	err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.ENOENT && err != unix.EBADF {
		return newErr("detach", fd, err)
	}
	return nil
}

func (b *edgeBackend) supportsTimers() bool { return true }

func (b *edgeBackend) armTimer(id uint64, d time.Duration) error {
	tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return newErr("armTimer", -1, err)
	}
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(d.Nanoseconds())}
	if spec.Value.Sec == 0 && spec.Value.Nsec == 0 {
		// zero duration must still fire; the kernel treats an all-zero
		// Value as "disarm", so round up to 1ns.
		spec.Value.Nsec = 1
	}
	if err := unix.TimerfdSettime(tfd, 0, &spec, nil); err != nil {
		unix.Close(tfd)
		return newErr("armTimer", -1, err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(tfd)}
	if err := unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, tfd, &ev); err != nil {
		unix.Close(tfd)
		return newErr("armTimer", -1, err)
	}
	b.timerFD[id] = tfd
	b.fdTimer[tfd] = id
	return nil
}

func (b *edgeBackend) disarmTimer(id uint64) error {
	tfd, ok := b.timerFD[id]
	if !ok {
		return nil
	}
	unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, tfd, nil)
	unix.Close(tfd)
	delete(b.timerFD, id)
	delete(b.fdTimer, tfd)
	return nil
}

func (b *edgeBackend) wait(timeout time.Duration) ([]backendEvent, error) {
	msec := -1
	if timeout >= 0 {
		msec = int(timeout / time.Millisecond)
	}
	n, err := unix.EpollWait(b.epfd, b.events, msec)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, newErr("wait", -1, err)
	}
	b.out = b.out[:0]
	for i := 0; i < n; i++ {
		raw := b.events[i]
		fd := int(raw.Fd)
		if id, ok := b.fdTimer[fd]; ok {
			var buf [8]byte
			unix.Read(fd, buf[:])
			b.out = append(b.out, backendEvent{TimerID: id, Kind: evTimer})
			continue
		}
		var kind eventKind
		if raw.Events&unix.EPOLLIN != 0 {
			kind |= evRead
		}
		if raw.Events&unix.EPOLLOUT != 0 {
			kind |= evWrite
		}
		if raw.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
			kind |= evHangup
		}
		if raw.Events&unix.EPOLLERR != 0 {
			kind |= evError
		}
		b.out = append(b.out, backendEvent{Fd: fd, Kind: kind})
	}
	return b.out, nil
}

func (b *edgeBackend) close() error {
	for tfd := range b.fdTimer {
		unix.Close(tfd)
	}
	return unix.Close(b.epfd)
}

func (b *edgeBackend) kind() BackendKind { return BackendEdgeReadiness }
