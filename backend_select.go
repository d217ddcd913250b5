//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly
// +build linux darwin netbsd freebsd openbsd dragonfly

package muxloop

import (
	"time"

	"golang.org/x/sys/unix"
)

// selectBackend is V3 from spec.md section 4.1: a bitset scan with no
// persistent kernel state. Every wait() rebuilds a read fd_set (every live
// descriptor, so EOF is observed even without an input interest) and a
// write fd_set (descriptors with pending output or an on_output callback),
// and calls select(2) directly. It never reports TIMER events:
// supportsTimers is false and the dispatch loop sweeps the timer list
// itself by wall-clock comparison.
type selectBackend struct {
	readers map[int]bool
	writers map[int]bool
	maxfd   int
	out     []backendEvent
}

func newSelectBackend() (backend, error) {
	return &selectBackend{
		readers: make(map[int]bool),
		writers: make(map[int]bool),
		maxfd:   -1,
	}, nil
}

func (b *selectBackend) trackMax(fd int) {
	if fd > b.maxfd {
		b.maxfd = fd
	}
}

func (b *selectBackend) recomputeMax() {
	max := -1
	for fd := range b.readers {
		if fd > max {
			max = fd
		}
	}
	for fd := range b.writers {
		if fd > max {
			max = fd
		}
	}
	b.maxfd = max
}

func (b *selectBackend) attach(fd int, wantRead, wantWrite bool) error {
	if fd >= unixFDSetLimit {
		return newErr("attach", fd, ErrFDRange)
	}
	if wantRead {
		b.readers[fd] = true
	}
	if wantWrite {
		b.writers[fd] = true
	}
	b.trackMax(fd)
	return nil
}

func (b *selectBackend) modify(fd int, wantRead, wantWrite bool) error {
	if wantRead {
		b.readers[fd] = true
	} else {
		delete(b.readers, fd)
	}
	if wantWrite {
		b.writers[fd] = true
	} else {
		delete(b.writers, fd)
	}
	b.trackMax(fd)
	return nil
}

func (b *selectBackend) detach(fd int) error {
	delete(b.readers, fd)
	delete(b.writers, fd)
	if fd == b.maxfd {
		b.recomputeMax()
	}
	return nil
}

func (b *selectBackend) supportsTimers() bool                        { return false }
func (b *selectBackend) armTimer(id uint64, d time.Duration) error    { return ErrUnsupported }
func (b *selectBackend) disarmTimer(id uint64) error                  { return nil }
func (b *selectBackend) kind() BackendKind                            { return BackendBitsetScan }
func (b *selectBackend) close() error                                 { return nil }

func (b *selectBackend) wait(timeout time.Duration) ([]backendEvent, error) {
	var rset, wset unix.FdSet
	fdZero(&rset)
	fdZero(&wset)
	for fd := range b.readers {
		fdSet(fd, &rset)
	}
	for fd := range b.writers {
		fdSet(fd, &wset)
	}

	var tv *unix.Timeval
	if timeout >= 0 {
		t := unix.NsecToTimeval(timeout.Nanoseconds())
		tv = &t
	}

	// nfds may be 0 when nothing is registered; select(2) with empty sets
	// still blocks for tv (or indefinitely when tv is nil), which is what
	// we want here — returning immediately would busy-spin Loop when the
	// registry is empty and no default wait was supplied.
	nfds := b.maxfd + 1
	if nfds < 0 {
		nfds = 0
	}
	_, err := unix.Select(nfds, &rset, &wset, nil, tv)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, newErr("wait", -1, err)
	}

	b.out = b.out[:0]
	for fd := range b.readers {
		if fdIsSet(fd, &rset) {
			b.out = append(b.out, backendEvent{Fd: fd, Kind: evRead})
		}
	}
	for fd := range b.writers {
		if fdIsSet(fd, &wset) {
			found := false
			for i := range b.out {
				if b.out[i].Fd == fd {
					b.out[i].Kind |= evWrite
					found = true
					break
				}
			}
			if !found {
				b.out = append(b.out, backendEvent{Fd: fd, Kind: evWrite})
			}
		}
	}
	return b.out, nil
}

// unixFDSetLimit is the largest descriptor select(2)'s fixed-size fd_set
// can represent (1024 bits on both layouts backend_select_bits_*.go model).
const unixFDSetLimit = 1024
