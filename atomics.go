package allocators

import (
	"sync/atomic"
	"unsafe"
)

// casBump is the shape every CAS-retry loop in this package follows: read
// the current value, compute a candidate, try to install it, and on
// failure reread the observed value and retry from scratch. compute
// returns ok=false to abandon the loop without writing (used for the
// "out of space" fast-fail in Arena.malloc, which must not retry;
// Frame.malloc and Frame.mallocInBank write the same loop out inline).
//
// Spurious CAS failure is tolerated by construction: a failed
// CompareAndSwap simply feeds the freshly observed value back into
// compute for another attempt.
func casBump(addr *atomic.Uintptr, compute func(old uintptr) (next uintptr, ok bool)) (installed uintptr, ok bool) {
	old := addr.Load()
	for {
		next, ok := compute(old)
		if !ok {
			return 0, false
		}
		if addr.CompareAndSwap(old, next) {
			return next, true
		}
		old = addr.Load()
	}
}

// casPrependUintptr CAS-loops node.next := head; head := node, the
// intrusive-list prepend pattern used for every cleanup chain in this
// package (the keep list, made of Go-heap nodes, has its own loop in
// KeepPtr). setNext stores next into the node about to become the new head.
func casPrependUintptr(head *atomic.Uintptr, node uintptr, setNext func(next uintptr)) {
	old := head.Load()
	for {
		setNext(old)
		if head.CompareAndSwap(old, node) {
			return
		}
		old = head.Load()
	}
}

// bzero fills n bytes at p with zero. Used wherever a payload must read as
// zeroed before the caller observes its address (Calloc,
// MallocWithCleanup). p must reference memory owned by a Backend (mmap'd,
// not Go-heap).
func bzero(p unsafe.Pointer, n int) {
	if n == 0 {
		return
	}
	b := unsafe.Slice((*byte)(p), n)
	for i := range b {
		b[i] = 0
	}
}
