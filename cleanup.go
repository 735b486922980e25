package allocators

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// CleanupFunc is a destructor invoked once, at the swap/clear that frees
// the bank or region holding the allocation it was registered for, or at
// Close — whichever comes first. It receives the payload address
// it was registered with: the cleanup node's opaque data pointer,
// initially the payload address.
type CleanupFunc func(data unsafe.Pointer)

// cleanupNode is the in-band, intrusive list element: a node allocated
// within the same bank's region, immediately above the payload it
// describes. It carries only the next-pointer in
// mmap'd memory; the callback itself is a Go func value (a closure, which
// may hold pointers into GC-managed memory) and cannot safely live in
// memory the garbage collector doesn't scan, so it is boxed in
// cleanupEntry and kept in a side table keyed by this node's address. This
// is the one place this port deviates from the original's "everything
// lives in the arena" layout, and does so only because Go, unlike C, does
// not let you stash an arbitrary closure behind a raw pointer.
type cleanupNode struct {
	next uintptr
}

// cleanupNodeSize is the number of bytes a cleanup node occupies above its
// payload; an allocation with cleanup reserves n + cleanupNodeSize + H in
// total, where H is the optional realloc header.
const cleanupNodeSize = int(unsafe.Sizeof(cleanupNode{}))

type cleanupEntry struct {
	cb   CleanupFunc
	data unsafe.Pointer
}

// prependCleanup CAS-prepends a freshly reserved node onto head: the
// intrusive singly-linked prepend.
func prependCleanup(head *atomic.Uintptr, nodeAddr uintptr) {
	node := (*cleanupNode)(unsafe.Pointer(nodeAddr))
	casPrependUintptr(head, nodeAddr, func(next uintptr) { node.next = next })
}

// runCleanupChain walks the list rooted at head (resetting it to empty
// first, so concurrent... note: runCleanupChain must only be called by the
// swap/clear/close master, never concurrently with itself) firing every
// non-nil callback exactly once and dropping its side-table entry. Nodes
// whose callback was nulled by UnsafeReallocWithCleanup are skipped
// uniformly, matching the swap-time sweep's behaviour — destroy/close must
// do the same.
func runCleanupChain(head *atomic.Uintptr, registry *sync.Map) {
	h := head.Swap(0)
	for h != 0 {
		node := (*cleanupNode)(unsafe.Pointer(h))
		next := node.next
		if v, ok := registry.LoadAndDelete(h); ok {
			entry := v.(cleanupEntry)
			if entry.cb != nil {
				entry.cb(entry.data)
			}
		}
		h = next
	}
}
