//go:build darwin || dragonfly || freebsd || netbsd || openbsd
// +build darwin dragonfly freebsd netbsd openbsd

package muxloop

import "golang.org/x/sys/unix"

// fd_set word layout on the BSD family: 32 x int32 words (1024 bits).
const fdSetWordBits = 32

func fdZero(set *unix.FdSet) { *set = unix.FdSet{} }

func fdSet(fd int, set *unix.FdSet) {
	set.Bits[fd/fdSetWordBits] |= 1 << uint(fd%fdSetWordBits)
}

func fdIsSet(fd int, set *unix.FdSet) bool {
	return set.Bits[fd/fdSetWordBits]&(1<<uint(fd%fdSetWordBits)) != 0
}
