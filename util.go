//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly
// +build linux darwin netbsd freebsd openbsd dragonfly

package muxloop

import "reflect"

// funcPtr returns the entry-point pointer of a non-nil func value, used to
// compare callbacks for identity in unscheduleAll.
func funcPtr(f any) uintptr {
	if f == nil {
		return 0
	}
	v := reflect.ValueOf(f)
	if v.Kind() != reflect.Func || v.IsNil() {
		return 0
	}
	return v.Pointer()
}
