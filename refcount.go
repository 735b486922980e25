package allocators

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"
)

const refcountFieldSize = int(unsafe.Sizeof(uint32(0)))

// refcountHasCleanup is the flag bit smart_ptr_allocator.h packs into the
// low bit of the refcount word: count lives in the remaining bits, shifted
// left by one.
const refcountHasCleanup = uint32(1)

// RefCounted allocates independently-freeable blocks, each with its own
// atomically maintained reference count immediately below the payload and,
// for AllocWithCleanup, a destructor that runs once the count reaches zero.
// Unlike Frame and Arena there is no shared region and no bulk reclamation:
// every block is its own Backend.Reserve call, released by Backend.Release
// when the last reference goes away.
//
// A destructor is a Go func value and, like a cleanup callback in Frame and
// Arena, cannot live inside the raw block itself; it is boxed in a side
// table keyed by the block's base address, mirroring cleanup.go.
type RefCounted struct {
	backend  Backend
	registry sync.Map // uintptr(block base addr) -> refEntry
}

type refEntry struct {
	cb   CleanupFunc
	size int
}

type refCountedConfig struct {
	backend Backend
}

// RefCountedOption configures NewRefCounted.
type RefCountedOption func(*refCountedConfig)

// WithRefCountedBackend overrides the memory source. The default is the OS
// mmap/MapViewOfFile backend.
func WithRefCountedBackend(b Backend) RefCountedOption {
	return func(c *refCountedConfig) { c.backend = b }
}

// NewRefCounted returns a ready-to-use reference-counted heap allocator.
func NewRefCounted(opts ...RefCountedOption) *RefCounted {
	cfg := refCountedConfig{backend: defaultBackend}
	for _, o := range opts {
		o(&cfg)
	}
	return &RefCounted{backend: cfg.backend}
}

func refcountPtr(payload unsafe.Pointer) *uint32 {
	return (*uint32)(unsafe.Pointer(uintptr(payload) - uintptr(refcountFieldSize)))
}

func blockBase(payload unsafe.Pointer) uintptr {
	return uintptr(payload) - uintptr(refcountFieldSize)
}

// UnsafeAlloc reserves a fresh, independently-freed block of n bytes with
// an initial reference count of one and no destructor.
func (r *RefCounted) UnsafeAlloc(n int) (res unsafe.Pointer, err error) {
	if trace {
		defer func() { fmt.Fprintf(os.Stderr, "RefCounted.UnsafeAlloc(%#x) %p, %v\n", n, res, err) }()
	}
	if n < 0 {
		panic("allocators: invalid alloc size")
	}
	return r.alloc(n, nil)
}

// Alloc is like UnsafeAlloc but returns a zeroed []byte of length n.
func (r *RefCounted) Alloc(n int) ([]byte, error) {
	p, err := r.UnsafeAlloc(n)
	if err != nil || p == nil {
		return nil, err
	}
	bzero(p, n)
	return unsafe.Slice((*byte)(p), n), nil
}

// UnsafeAllocWithCleanup is UnsafeAlloc with a destructor registered to run,
// exactly once, when the reference count drops to zero — immediately
// before the block is returned to the backend.
func (r *RefCounted) UnsafeAllocWithCleanup(n int, cb CleanupFunc) (res unsafe.Pointer, err error) {
	if trace {
		defer func() {
			fmt.Fprintf(os.Stderr, "RefCounted.UnsafeAllocWithCleanup(%#x) %p, %v\n", n, res, err)
		}()
	}
	if n < 0 {
		panic("allocators: invalid alloc size")
	}
	return r.alloc(n, cb)
}

// AllocWithCleanup is like UnsafeAllocWithCleanup but returns a zeroed
// []byte of length n.
func (r *RefCounted) AllocWithCleanup(n int, cb CleanupFunc) ([]byte, error) {
	p, err := r.UnsafeAllocWithCleanup(n, cb)
	if err != nil || p == nil {
		return nil, err
	}
	bzero(p, n)
	return unsafe.Slice((*byte)(p), n), nil
}

func (r *RefCounted) alloc(n int, cb CleanupFunc) (unsafe.Pointer, error) {
	total := refcountFieldSize + n
	raw, err := r.backend.Reserve(roundupPage(total))
	if err != nil {
		return nil, err
	}

	base := uintptr(unsafe.Pointer(&raw[0]))
	count := uint32(1) << 1
	if cb != nil {
		count |= refcountHasCleanup
	}
	*(*uint32)(unsafe.Pointer(base)) = count

	r.registry.Store(base, refEntry{cb: cb, size: len(raw)})

	return unsafe.Pointer(base + uintptr(refcountFieldSize)), nil
}

// Ref increments p's reference count and returns true, unless the count has
// already reached zero (p is being or has been destroyed), in which case it
// returns false without incrementing.
func (r *RefCounted) Ref(p unsafe.Pointer) bool {
	if _, live := r.registry.Load(blockBase(p)); !live {
		return false
	}
	rp := refcountPtr(p)
	for {
		old := atomic.LoadUint32(rp)
		if old>>1 == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(rp, old, old+(1<<1)) {
			return true
		}
	}
}

// Unref decrements p's reference count. If the count reaches zero, the
// registered destructor (if any) runs with p, and the block is returned to
// the backend. Unref on a block whose count has already reached zero is a
// no-op.
func (r *RefCounted) Unref(p unsafe.Pointer) {
	if _, live := r.registry.Load(blockBase(p)); !live {
		return
	}
	rp := refcountPtr(p)
	var old uint32
	for {
		old = atomic.LoadUint32(rp)
		if old>>1 == 0 {
			return
		}
		if atomic.CompareAndSwapUint32(rp, old, old-(1<<1)) {
			break
		}
	}
	if (old-(1<<1))>>1 != 0 {
		return
	}

	base := blockBase(p)
	v, ok := r.registry.LoadAndDelete(base)
	if !ok {
		return
	}
	entry := v.(refEntry)
	if entry.cb != nil {
		entry.cb(p)
	}
	r.backend.Release(unsafe.Pointer(base), entry.size)
}
