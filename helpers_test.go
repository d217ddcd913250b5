//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly
// +build linux darwin netbsd freebsd openbsd dragonfly

package muxloop

import (
	"net"
	"syscall"
	"testing"

	"golang.org/x/sys/unix"
)

// dupFD extracts a raw, duplicated file descriptor from conn, following
// the same RawConn.Control dance the teacher uses (see
// _examples/RTradeLtd-gaio/aio_generic.go's dupconn) so the test can own
// the descriptor's lifetime independently of the *net.TCPConn wrapper.
func dupFD(t *testing.T, conn net.Conn) int {
	t.Helper()
	sc, ok := conn.(interface {
		SyscallConn() (syscall.RawConn, error)
	})
	if !ok {
		t.Fatalf("%T does not expose SyscallConn", conn)
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		t.Fatalf("SyscallConn: %v", err)
	}
	var newfd int
	var dupErr error
	ctrlErr := rc.Control(func(fd uintptr) {
		newfd, dupErr = unix.Dup(int(fd))
	})
	if ctrlErr != nil {
		t.Fatalf("Control: %v", ctrlErr)
	}
	if dupErr != nil {
		t.Fatalf("Dup: %v", dupErr)
	}
	if err := unix.SetNonblock(newfd, true); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}
	t.Cleanup(func() { unix.Close(newfd) })
	return newfd
}
