package allocators

import (
	"sync/atomic"
	"unsafe"
)

// keepNode is a heap-allocated (not mmap'd) keep-list entry: nodes are
// heap-allocated so they survive swaps. ptrp is nilled by
// DiscardPtr rather than removed immediately, so a concurrent Swap can
// unlink it safely without racing a half-updated next pointer.
type keepNode struct {
	ptrp   atomic.Pointer[unsafe.Pointer]
	copyFn func(unsafe.Pointer) unsafe.Pointer
	next   atomic.Pointer[keepNode]
}

// KeepPtr enrolls *ptrp for copy-forward treatment at every subsequent
// Swap, until DiscardPtr is called. If copy is nil, the fallback path
// requires the realloc header (WithFrameReallocHeader) to know how many
// bytes to carry forward.
func (f *Frame) KeepPtr(ptrp *unsafe.Pointer, copy func(unsafe.Pointer) unsafe.Pointer) error {
	if copy == nil && !f.reallocHeader {
		return ErrReallocHeaderRequired
	}

	node := &keepNode{copyFn: copy}
	node.ptrp.Store(ptrp)

	for {
		head := f.keepHead.Load()
		node.next.Store(head)
		if f.keepHead.CompareAndSwap(head, node) {
			return nil
		}
	}
}

// DiscardPtr un-enrolls ptrp. It returns true if ptrp was found and
// cleared, false if it was never enrolled (or already discarded).
func (f *Frame) DiscardPtr(ptrp *unsafe.Pointer) bool {
	for n := f.keepHead.Load(); n != nil; n = n.next.Load() {
		if n.ptrp.Load() == ptrp {
			n.ptrp.Store(nil)
			return true
		}
	}
	return false
}

// migrateKeep walks the keep list once per Swap, before the bank about to
// become dormant is published as such: entries discarded since the last
// swap are unlinked, live entries are copied forward — by the entry's copy
// function, or, when none was supplied, by a fresh allocation of the size
// recorded in the realloc header —
// into activeBank, the bank that is still active (and will remain so for
// the rest of this call). A copy function that allocates via Malloc/
// UnsafeMalloc lands in activeBank for the same reason: Swap calls
// migrateKeep before it publishes the new active bank, so f.active still
// reports activeBank throughout this walk.
//
// Because every Swap call re-runs this walk regardless of clear, a kept
// pointer that lands in activeBank here is copied again on the very next
// Swap (when activeBank becomes the one about to be cleared) — so it is
// never actually present in a bank at the moment that bank is cleared.
//
// Unlinking a discarded head entry races a concurrent KeepPtr prepend;
// losing that race just means the stale head survives to the following
// Swap, where it is unlinked instead — Swap is single-mastered, so this
// is the only place that matters, and the entry is harmless
// in the meantime (its ptrp is already nil, so it is skipped here and at
// every future pass until it is finally unlinked).
func (f *Frame) migrateKeep(activeBank *bank) {
	var prev *keepNode
	node := f.keepHead.Load()
	for node != nil {
		next := node.next.Load()
		ptrp := node.ptrp.Load()

		if ptrp == nil {
			if prev == nil {
				f.keepHead.CompareAndSwap(node, next)
			} else {
				prev.next.CompareAndSwap(node, next)
			}
			node = next
			continue
		}

		var newp unsafe.Pointer
		if node.copyFn != nil {
			newp = node.copyFn(*ptrp)
		} else {
			size := f.readReallocSize(*ptrp)
			p, err := f.mallocInBank(activeBank, size+f.header())
			if err == nil {
				if f.header() > 0 {
					*(*uint32)(unsafe.Pointer(p)) = uint32(size)
				}
				payload := p + uintptr(f.header())
				copy(unsafe.Slice((*byte)(unsafe.Pointer(payload)), size), unsafe.Slice((*byte)(*ptrp), size))
				newp = unsafe.Pointer(payload)
			}
		}
		*ptrp = newp

		prev = node
		node = next
	}
}

func (f *Frame) readReallocSize(p unsafe.Pointer) int {
	return int(*(*uint32)(unsafe.Pointer(uintptr(p) - uintptr(reallocHeaderSize))))
}

// findCleanupNode walks b's cleanup chain looking for the node registered
// with data == target, mirroring the original's linear search through the
// bank's intrusive cleanup list (frame_realloc_with_cleanup).
func (f *Frame) findCleanupNode(b *bank, target unsafe.Pointer) (nodeAddr uintptr, entry cleanupEntry, found bool) {
	addr := b.cleanups.Load()
	for addr != 0 {
		node := (*cleanupNode)(unsafe.Pointer(addr))
		if v, ok := f.registry.Load(addr); ok {
			e := v.(cleanupEntry)
			if e.data == target {
				return addr, e, true
			}
		}
		addr = node.next
	}
	return 0, cleanupEntry{}, false
}

// UnsafeRealloc grows or keeps an allocation made with the realloc header
// enabled. If p already lies in the active bank and its recorded size is
// >= n, p is returned unchanged; otherwise a fresh allocation is made in
// the active bank and min(old, n) bytes are copied forward.
func (f *Frame) UnsafeRealloc(p unsafe.Pointer, n int) (unsafe.Pointer, error) {
	if !f.reallocHeader {
		return nil, ErrReallocHeaderRequired
	}
	if p == nil {
		return f.UnsafeMalloc(n)
	}

	cur := f.active.Load()
	oldSize := f.readReallocSize(p)
	if f.BankOf(p) == cur.id && oldSize >= n {
		return p, nil
	}

	np, err := f.UnsafeMalloc(n)
	if err != nil {
		return nil, err
	}
	copySize := oldSize
	if n < copySize {
		copySize = n
	}
	copy(unsafe.Slice((*byte)(np), copySize), unsafe.Slice((*byte)(p), copySize))
	return np, nil
}

// UnsafeReallocWithCleanup is UnsafeRealloc for allocations registered
// with a cleanup: the existing cleanup node for p is found, a fresh node
// with the same callback is installed in the active bank, and the old
// node's callback and data are nulled so the dormant bank's next clear
// does not double-fire the destructor.
func (f *Frame) UnsafeReallocWithCleanup(p unsafe.Pointer, n int) (unsafe.Pointer, error) {
	if !f.reallocHeader {
		return nil, ErrReallocHeaderRequired
	}

	cur := f.active.Load()
	oldSize := f.readReallocSize(p)

	searchBank := cur
	if f.BankOf(p) == cur.id {
		if oldSize >= n {
			return p, nil
		}
	} else {
		searchBank = &f.banks[1-cur.id]
	}

	nodeAddr, entry, found := f.findCleanupNode(searchBank, p)
	if !found {
		return nil, ErrNotFound
	}

	np, err := f.UnsafeMallocWithCleanup(n, entry.cb)
	if err != nil {
		return nil, err
	}

	copySize := oldSize
	if n < copySize {
		copySize = n
	}
	copy(unsafe.Slice((*byte)(np), copySize), unsafe.Slice((*byte)(p), copySize))

	f.registry.Store(nodeAddr, cleanupEntry{cb: nil, data: nil})

	return np, nil
}
