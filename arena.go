package allocators

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"
)

const reallocHeaderSize = int(unsafe.Sizeof(uint32(0)))

// Arena is a single-region bump-pointer allocator: the same
// layout and CAS-retry allocation loop as Frame, but with one region, no
// bank tag, and no keep list. Allocation grows downward from the upper
// bound; Clear runs every registered cleanup and resets the bump pointer
// in one operation. Its zero value is not ready for use; construct with
// NewArena.
type Arena struct {
	backend Backend
	raw     []byte
	base    uintptr
	size    int

	fp       atomic.Uintptr
	cleanups atomic.Uintptr
	registry sync.Map // uintptr(node addr) -> cleanupEntry

	reallocHeader bool
	closed        atomic.Bool
}

type arenaConfig struct {
	backend       Backend
	reallocHeader bool
}

// ArenaOption configures NewArena.
type ArenaOption func(*arenaConfig)

// WithArenaBackend overrides the memory source (the MALLOC/FREE hook
// equivalent). The default is the OS mmap/MapViewOfFile backend.
func WithArenaBackend(b Backend) ArenaOption {
	return func(c *arenaConfig) { c.backend = b }
}

// WithArenaReallocHeader enables the realloc-header feature (an extra
// H=sizeof(u32) bytes recording each allocation's size), required for
// UnsafeRealloc.
func WithArenaReallocHeader() ArenaOption {
	return func(c *arenaConfig) { c.reallocHeader = true }
}

// NewArena reserves a size-byte region from the backend and returns an
// Arena ready to allocate from it.
func NewArena(size int, opts ...ArenaOption) (*Arena, error) {
	cfg := arenaConfig{backend: defaultBackend}
	for _, o := range opts {
		o(&cfg)
	}

	raw, err := cfg.backend.Reserve(roundupPage(size))
	if err != nil {
		return nil, err
	}

	a := &Arena{
		backend:       cfg.backend,
		raw:           raw,
		base:          uintptr(unsafe.Pointer(&raw[0])),
		size:          len(raw),
		reallocHeader: cfg.reallocHeader,
	}
	a.fp.Store(a.base + uintptr(a.size))
	return a, nil
}

func (a *Arena) header() int {
	if a.reallocHeader {
		return reallocHeaderSize
	}
	return 0
}

// malloc is the CAS-retry bump allocation fast path, specialised to a
// single region. reserve is the total number of bytes to
// carve off (payload + optional cleanup node + optional realloc header);
// it returns the low address of the reservation.
func (a *Arena) malloc(reserve int) (uintptr, error) {
	if a.closed.Load() {
		return 0, ErrClosed
	}

	reserve = roundup(reserve, bumpAlign)
	newp, ok := casBump(&a.fp, func(old uintptr) (uintptr, bool) {
		cand := old - uintptr(reserve)
		if cand < a.base {
			return 0, false
		}
		return cand, true
	})
	if !ok {
		return 0, ErrOutOfSpace
	}
	return newp, nil
}

// UnsafeMalloc allocates n bytes and returns an unsafe.Pointer to them.
// The memory is not initialized. UnsafeMalloc panics for n < 0.
func (a *Arena) UnsafeMalloc(n int) (r unsafe.Pointer, err error) {
	if trace {
		defer func() { fmt.Fprintf(os.Stderr, "Arena.UnsafeMalloc(%#x) %p, %v\n", n, r, err) }()
	}
	if n < 0 {
		panic("allocators: invalid malloc size")
	}
	if n == 0 {
		return nil, nil
	}

	h := a.header()
	base, err := a.malloc(n + h)
	if err != nil {
		return nil, err
	}
	if h > 0 {
		*(*uint32)(unsafe.Pointer(base)) = uint32(n)
	}
	return unsafe.Pointer(base + uintptr(h)), nil
}

// Malloc is like UnsafeMalloc but returns a []byte of length and capacity
// n rooted at the allocation.
func (a *Arena) Malloc(n int) ([]byte, error) {
	p, err := a.UnsafeMalloc(n)
	if err != nil || p == nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(p), n), nil
}

// UnsafeCalloc is like UnsafeMalloc except the allocated memory is zeroed.
func (a *Arena) UnsafeCalloc(n int) (unsafe.Pointer, error) {
	p, err := a.UnsafeMalloc(n)
	if err != nil || p == nil {
		return p, err
	}
	bzero(p, n)
	return p, nil
}

// Calloc is like Malloc except the allocated memory is zeroed.
func (a *Arena) Calloc(n int) ([]byte, error) {
	p, err := a.UnsafeCalloc(n)
	if err != nil || p == nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(p), n), nil
}

// UnsafeMallocWithCleanup allocates n bytes, zeroes them, and registers cb
// to run (with the payload address) at the next Clear or at Close,
// whichever comes first.
func (a *Arena) UnsafeMallocWithCleanup(n int, cb CleanupFunc) (r unsafe.Pointer, err error) {
	if trace {
		defer func() {
			fmt.Fprintf(os.Stderr, "Arena.UnsafeMallocWithCleanup(%#x) %p, %v\n", n, r, err)
		}()
	}
	if n < 0 {
		panic("allocators: invalid malloc size")
	}

	h := a.header()
	base, err := a.malloc(n + cleanupNodeSize + h)
	if err != nil {
		return nil, err
	}
	if h > 0 {
		*(*uint32)(unsafe.Pointer(base)) = uint32(n)
	}

	payload := base + uintptr(h)
	bzero(unsafe.Pointer(payload), n)

	nodeAddr := payload + uintptr(n)
	a.registry.Store(nodeAddr, cleanupEntry{cb: cb, data: unsafe.Pointer(payload)})
	prependCleanup(&a.cleanups, nodeAddr)

	return unsafe.Pointer(payload), nil
}

// MallocWithCleanup is like UnsafeMallocWithCleanup but returns a []byte.
func (a *Arena) MallocWithCleanup(n int, cb CleanupFunc) ([]byte, error) {
	p, err := a.UnsafeMallocWithCleanup(n, cb)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(p), n), nil
}

// UnsafeRealloc changes the apparent size of an allocation made with the
// realloc header enabled (WithArenaReallocHeader). If the header's
// recorded size is already >= n, p is returned unchanged; otherwise a
// fresh allocation is made and min(old, n) bytes are copied forward. The
// old allocation's bytes are left alone (the arena has no per-object
// free); a cleanup registered for the old allocation still fires
// normally at the next Clear.
func (a *Arena) UnsafeRealloc(p unsafe.Pointer, n int) (unsafe.Pointer, error) {
	if !a.reallocHeader {
		return nil, ErrReallocHeaderRequired
	}
	if p == nil {
		return a.UnsafeMalloc(n)
	}
	if n == 0 {
		return nil, nil
	}

	oldSize := int(*(*uint32)(unsafe.Pointer(uintptr(p) - uintptr(reallocHeaderSize))))
	if oldSize >= n {
		return p, nil
	}

	np, err := a.UnsafeMalloc(n)
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

// Clear runs every registered cleanup exactly once and resets the bump
// pointer to the top of the region, reclaiming it in bulk. Clear must not
// be called concurrently with itself, but is safe to call concurrently
// with allocation (an allocator that raced the reset will simply land in
// freshly cleared space or retry, per the CAS loop in malloc).
func (a *Arena) Clear() {
	runCleanupChain(&a.cleanups, &a.registry)
	a.fp.Store(a.base + uintptr(a.size))
}

// Close runs every registered cleanup and releases the backing region to
// the Backend. Any subsequent allocation returns ErrClosed.
func (a *Arena) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	runCleanupChain(&a.cleanups, &a.registry)
	return a.backend.Release(unsafe.Pointer(a.base), a.size)
}
