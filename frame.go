package allocators

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"
)

// bank is one half of a Frame's backing buffer. Its own fp/cleanups are
// never touched except through the bank itself: every cleanup-list node
// reachable from bank B lies within bank B's byte range, and the bank tag
// bit of fp always equals that bank's own id, independent of whichever
// bank is currently active.
type bank struct {
	id       int
	base     uintptr
	size     int
	fp       atomic.Uintptr
	cleanups atomic.Uintptr
}

// Frame is the double-buffered frame allocator: two banks of
// equal size carved out of one contiguous backing buffer, a lock-free
// downward bump allocator tagged with the active bank's id in its low
// bit, per-bank cleanup chains, and an optional keep list that copies
// enrolled pointers forward across Swap. A *Frame is an explicit handle
// threaded by the caller, with no ambient state of its own; see global.go
// for a thin process-wide convenience wrapper built on top of it.
//
// Swap must be called by exactly one goroutine at a time (the "swap
// master"); it is safe to call concurrently with any number of goroutines
// allocating. Use-after-swap (reading an allocation from two clears ago)
// is not detected.
type Frame struct {
	backend  Backend
	raw      []byte
	bankSize int
	banks    [2]bank

	active atomic.Pointer[bank]

	registry sync.Map // uintptr(cleanup node addr) -> cleanupEntry

	keepHead atomic.Pointer[keepNode]

	reallocHeader bool
	closed        atomic.Bool
}

type frameConfig struct {
	backend       Backend
	reallocHeader bool
}

// FrameOption configures NewFrame.
type FrameOption func(*frameConfig)

// WithFrameBackend overrides the memory source (the MALLOC/FREE hook
// equivalent). The default is the OS mmap/MapViewOfFile backend.
func WithFrameBackend(b Backend) FrameOption {
	return func(c *frameConfig) { c.backend = b }
}

// WithFrameReallocHeader enables the realloc-header feature, required for
// UnsafeRealloc/UnsafeReallocWithCleanup and for KeepPtr calls that omit a
// copy function (keeping a pointer without a copy function requires the
// realloc header, since there is no other way to know how many bytes to
// carry forward).
func WithFrameReallocHeader() FrameOption {
	return func(c *frameConfig) { c.reallocHeader = true }
}

const bankTagMask = uintptr(1)

func untagPtr(p uintptr) uintptr   { return p &^ bankTagMask }
func tagOfPtr(p uintptr) int       { return int(p & bankTagMask) }
func setBank(p uintptr, id int) uintptr { return untagPtr(p) | uintptr(id) }

// NewFrame reserves a 2*bankSize-byte buffer from the backend, splits it
// into two adjacent banks of bankSize bytes each, and activates bank 0.
func NewFrame(bankSize int, opts ...FrameOption) (*Frame, error) {
	cfg := frameConfig{backend: defaultBackend}
	for _, o := range opts {
		o(&cfg)
	}

	bankSize = roundupPage(bankSize)
	raw, err := cfg.backend.Reserve(bankSize * 2)
	if err != nil {
		return nil, err
	}

	f := &Frame{
		backend:       cfg.backend,
		raw:           raw,
		bankSize:      bankSize,
		reallocHeader: cfg.reallocHeader,
	}

	base := uintptr(unsafe.Pointer(&raw[0]))
	f.banks[0].id = 0
	f.banks[0].base = base
	f.banks[0].size = bankSize
	f.banks[0].fp.Store(setBank(base+uintptr(bankSize), 0))

	f.banks[1].id = 1
	f.banks[1].base = base + uintptr(bankSize)
	f.banks[1].size = bankSize
	f.banks[1].fp.Store(setBank(f.banks[1].base+uintptr(bankSize), 1))

	f.active.Store(&f.banks[0])
	return f, nil
}

func (f *Frame) header() int {
	if f.reallocHeader {
		return reallocHeaderSize
	}
	return 0
}

// malloc is the CAS-retry bump allocation fast path. Every
// iteration re-reads the active bank fresh, so a straggler that loses a
// CAS race to a concurrent Swap simply lands in whichever bank is active
// on its next attempt — it does not need to detect the swap explicitly.
func (f *Frame) malloc(reserve int) (payload uintptr, bankID int, err error) {
	reserve = roundup(reserve, bumpAlign)
	for {
		b := f.active.Load()
		orig := b.fp.Load()
		cand := untagPtr(orig) - uintptr(reserve)
		if cand < b.base {
			return 0, 0, ErrOutOfSpace
		}
		if b.fp.CompareAndSwap(orig, cand|uintptr(b.id)) {
			return cand, b.id, nil
		}
	}
}

// mallocInBank is malloc's fixed-bank counterpart, used by Swap's keep-
// list migration to reserve space in the bank that is active when Swap
// starts, whatever f.active is later changed to.
func (f *Frame) mallocInBank(b *bank, reserve int) (uintptr, error) {
	reserve = roundup(reserve, bumpAlign)
	for {
		orig := b.fp.Load()
		cand := untagPtr(orig) - uintptr(reserve)
		if cand < b.base {
			return 0, ErrOutOfSpace
		}
		if b.fp.CompareAndSwap(orig, cand|uintptr(b.id)) {
			return cand, nil
		}
	}
}

// UnsafeMalloc allocates n bytes from the active bank. The memory is not
// initialized. UnsafeMalloc panics for n < 0.
func (f *Frame) UnsafeMalloc(n int) (r unsafe.Pointer, err error) {
	if trace {
		defer func() { fmt.Fprintf(os.Stderr, "Frame.UnsafeMalloc(%#x) %p, %v\n", n, r, err) }()
	}
	if f.closed.Load() {
		return nil, ErrClosed
	}
	if n < 0 {
		panic("allocators: invalid malloc size")
	}
	if n == 0 {
		return nil, nil
	}

	h := f.header()
	base, _, err := f.malloc(n + h)
	if err != nil {
		return nil, err
	}
	if h > 0 {
		*(*uint32)(unsafe.Pointer(base)) = uint32(n)
	}
	return unsafe.Pointer(base + uintptr(h)), nil
}

// Malloc is like UnsafeMalloc but returns a []byte of length and capacity n.
func (f *Frame) Malloc(n int) ([]byte, error) {
	p, err := f.UnsafeMalloc(n)
	if err != nil || p == nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(p), n), nil
}

// UnsafeCalloc is like UnsafeMalloc except the allocated memory is zeroed.
func (f *Frame) UnsafeCalloc(n int) (unsafe.Pointer, error) {
	p, err := f.UnsafeMalloc(n)
	if err != nil || p == nil {
		return p, err
	}
	bzero(p, n)
	return p, nil
}

// Calloc is like Malloc except the allocated memory is zeroed.
func (f *Frame) Calloc(n int) ([]byte, error) {
	p, err := f.UnsafeCalloc(n)
	if err != nil || p == nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(p), n), nil
}

// UnsafeMallocWithCleanup allocates n zeroed bytes from the active bank
// and registers cb to fire, with the payload address, at the Swap(true)
// that clears this bank or at Close — whichever comes first.
func (f *Frame) UnsafeMallocWithCleanup(n int, cb CleanupFunc) (r unsafe.Pointer, err error) {
	if trace {
		defer func() {
			fmt.Fprintf(os.Stderr, "Frame.UnsafeMallocWithCleanup(%#x) %p, %v\n", n, r, err)
		}()
	}
	if f.closed.Load() {
		return nil, ErrClosed
	}
	if n < 0 {
		panic("allocators: invalid malloc size")
	}

	h := f.header()
	base, bankID, err := f.malloc(n + cleanupNodeSize + h)
	if err != nil {
		return nil, err
	}
	if h > 0 {
		*(*uint32)(unsafe.Pointer(base)) = uint32(n)
	}

	payload := base + uintptr(h)
	bzero(unsafe.Pointer(payload), n)

	nodeAddr := payload + uintptr(n)
	f.registry.Store(nodeAddr, cleanupEntry{cb: cb, data: unsafe.Pointer(payload)})
	prependCleanup(&f.banks[bankID].cleanups, nodeAddr)

	return unsafe.Pointer(payload), nil
}

// MallocWithCleanup is like UnsafeMallocWithCleanup but returns a []byte.
func (f *Frame) MallocWithCleanup(n int, cb CleanupFunc) ([]byte, error) {
	p, err := f.UnsafeMallocWithCleanup(n, cb)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(p), n), nil
}

// BankOf returns the bank (0 or 1) that p was allocated from, or -1 if p
// does not lie within either bank's range.
func (f *Frame) BankOf(p unsafe.Pointer) int {
	addr := uintptr(p)
	for i := range f.banks {
		b := &f.banks[i]
		if addr >= b.base && addr < b.base+uintptr(b.size) {
			return i
		}
	}
	return -1
}

// Swap activates the dormant bank. If clear is true, every cleanup
// registered in the newly activated bank fires first, and its bump
// pointer resets to the top of its range, reclaiming the whole bank in
// bulk. Keep-list entries (see frame_keep.go) are migrated forward
// regardless of clear, before activation is published.
//
// Swap must not be called concurrently with itself; it is safe to call
// concurrently with any number of allocating goroutines.
func (f *Frame) Swap(clear bool) {
	cur := f.active.Load()
	next := &f.banks[1-cur.id]

	f.migrateKeep(cur)

	if clear {
		runCleanupChain(&next.cleanups, &f.registry)
		next.fp.Store(setBank(next.base+uintptr(next.size), next.id))
	}

	f.active.Store(next)
}

// Close runs every registered cleanup on both banks, drops the keep list,
// and releases the backing buffer. Any subsequent allocation returns
// ErrClosed.
func (f *Frame) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	runCleanupChain(&f.banks[0].cleanups, &f.registry)
	runCleanupChain(&f.banks[1].cleanups, &f.registry)
	f.keepHead.Store(nil)
	return f.backend.Release(unsafe.Pointer(f.banks[0].base), f.bankSize*2)
}
