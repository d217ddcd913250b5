//go:build !linux
// +build !linux

package muxloop

// newEdgeBackend is a stub on platforms without epoll: the edge-triggered
// readiness backend (V1) is linux-only. newPreferredBackend falls through
// to newKqueueBackend or newSelectBackend when this returns an error,
// following the same interface-plus-stub shape used elsewhere in the pack
// for platform-gated kernel facilities.
func newEdgeBackend() (backend, error) {
	return nil, newErr("newEdgeBackend", -1, ErrUnsupported)
}
