//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly
// +build linux darwin netbsd freebsd openbsd dragonfly

package muxloop

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMuxErrorUnwrap(t *testing.T) {
	err := newErr("add", 7, ErrAlreadyAdded)
	require.True(t, errors.Is(err, ErrAlreadyAdded))
	require.Contains(t, err.Error(), "add")
	require.Contains(t, err.Error(), "fd=7")
}

func TestMuxErrorWithoutFD(t *testing.T) {
	err := newErr("newBackend", -1, ErrUnsupported)
	require.True(t, errors.Is(err, ErrUnsupported))
	require.NotContains(t, err.Error(), "fd=")
}
