//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly
// +build linux darwin netbsd freebsd openbsd dragonfly

package muxloop

import (
	"container/heap"
	"time"
)

// TimeoutCallback is invoked exactly once when a scheduled timeout fires,
// or never again after it is unscheduled.
type TimeoutCallback func(mux *Mux, priv any)

// timeoutRecord is owned by the multiplexer's timer scheduler. deadline is
// the absolute wall-clock instant at which the timer expires, computed once
// at schedule time from time.Now().Add(d). Comparing against an absolute
// deadline (rather than decaying a relative duration once per dispatch
// iteration) is what the teacher's watcher.go does and avoids a timer
// losing an entire iteration's blocking wait before it has even had a
// chance to count down (spec.md section 4.3's "drift discipline").
type timeoutRecord struct {
	id       uint64
	deadline time.Time
	seq      uint64 // insertion order, for stable ties on equal deadline
	cb       TimeoutCallback
	priv     any
	heapIdx  int
	// armed records whether the backend natively tracks this timer
	// (kernel-queue or edge-readiness timerfd); bitset-scan leaves this
	// false and the dispatch loop sweeps the heap itself.
	armed bool
}

// timerHeap orders pending timeouts ascending by deadline, ties broken by
// insertion order (seq), giving a stable sort as required by spec.md's
// ordering & tie-break rule.
type timerHeap []*timeoutRecord

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if !h[i].deadline.Equal(h[j].deadline) {
		return h[i].deadline.Before(h[j].deadline)
	}
	return h[i].seq < h[j].seq
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}
func (h *timerHeap) Push(x any) {
	r := x.(*timeoutRecord)
	r.heapIdx = len(*h)
	*h = append(*h, r)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.heapIdx = -1
	*h = old[:n-1]
	return r
}

// timerScheduler is component C3: an ordered list of pending one-shot
// timeouts and a monotonically increasing id generator. Expiry is judged
// by comparing each timer's absolute deadline against the current wall
// clock, so no bookkeeping about "time since last check" is needed.
type timerScheduler struct {
	heap   timerHeap
	byID   map[uint64]*timeoutRecord
	lastID uint64
	seq    uint64
}

func newTimerScheduler() *timerScheduler {
	return &timerScheduler{byID: make(map[uint64]*timeoutRecord)}
}

func (s *timerScheduler) nextID() uint64 {
	for {
		s.lastID++
		if s.lastID != 0 {
			return s.lastID
		}
		// wrapped around 0, which is reserved for "no timer"
	}
}

// schedule allocates a new timeout with deadline = now + d and inserts it
// at its sorted position.
func (s *timerScheduler) schedule(d time.Duration, cb TimeoutCallback, priv any) *timeoutRecord {
	r := &timeoutRecord{id: s.nextID(), deadline: time.Now().Add(d), seq: s.seq, cb: cb, priv: priv}
	s.seq++
	heap.Push(&s.heap, r)
	s.byID[r.id] = r
	return r
}

// reschedule removes any existing timer with id (if present) and schedules
// a fresh one, returning it. If id doesn't match an existing timer, a new
// one is created, mirroring spec.md section 4.3.
func (s *timerScheduler) reschedule(id uint64, d time.Duration, cb TimeoutCallback, priv any) *timeoutRecord {
	if id != 0 {
		s.unschedule(id)
	}
	return s.schedule(d, cb, priv)
}

// unschedule removes the matching timer. Returns false if none matched.
func (s *timerScheduler) unschedule(id uint64) bool {
	r, ok := s.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&s.heap, r.heapIdx)
	delete(s.byID, id)
	return true
}

// unscheduleAll removes every timer whose callback and priv both match by
// pointer/value equality, returning the ids removed. priv is compared with
// ==, so it must hold a comparable dynamic type.
func (s *timerScheduler) unscheduleAll(cb TimeoutCallback, priv any) []uint64 {
	var victims []uint64
	for id, r := range s.byID {
		if sameCallback(r.cb, cb) && r.priv == priv {
			victims = append(victims, id)
		}
	}
	for _, id := range victims {
		s.unschedule(id)
	}
	return victims
}

// sameCallback compares function values by entry-point pointer via funcPtr
// (reflection); Go forbids direct == on func values. Closures created from
// the same function literal share an entry point and so compare equal even
// when they capture different values (e.g. every set_timeout bridge).
func sameCallback(a, b TimeoutCallback) bool {
	return funcPtr(a) == funcPtr(b)
}

// head returns the soonest-expiring timer, or nil if none is scheduled.
func (s *timerScheduler) head() *timeoutRecord {
	if len(s.heap) == 0 {
		return nil
	}
	return s.heap[0]
}

// popExpired removes and returns every timer whose deadline is at or
// before now. Only meaningful for backends that don't natively track
// timers (spec.md section 4.4 step 4: kernel-timer backends deliver these
// as events instead, and must not also be swept here).
func (s *timerScheduler) popExpired(now time.Time) []*timeoutRecord {
	var fired []*timeoutRecord
	for len(s.heap) > 0 && !s.heap[0].deadline.After(now) {
		r := heap.Pop(&s.heap).(*timeoutRecord)
		delete(s.byID, r.id)
		fired = append(fired, r)
	}
	return fired
}

// len reports the number of outstanding timers.
func (s *timerScheduler) len() int { return len(s.heap) }
