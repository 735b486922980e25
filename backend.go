package allocators

import (
	"os"
	"unsafe"

	"github.com/pkg/errors"
)

var (
	osPageSize = os.Getpagesize()
	osPageMask = osPageSize - 1
)

// Backend supplies the raw, page-aligned byte ranges every allocator in
// this package builds on top of. The default Backend (OSBackend) gets its
// memory from the operating system via mmap/MapViewOfFile, bypassing the Go
// heap entirely so the Go garbage collector never scans or relocates it —
// a requirement for the tagged-bump-pointer trick in Frame (see frame.go)
// and for the raw unsafe.Pointer arithmetic throughout this package.
//
// A custom Backend lets callers supply their own MALLOC/FREE-style hooks
// for the backing store.
type Backend interface {
	// Reserve returns a zeroed byte range of at least size bytes, aligned
	// to the OS page size.
	Reserve(size int) ([]byte, error)
	// Release gives back a range previously returned by Reserve. addr and
	// size must match a prior Reserve call exactly.
	Release(addr unsafe.Pointer, size int) error
}

// OSBackend is the default Backend: raw anonymous mmap (CreateFileMapping
// and MapViewOfFile on Windows), one mapping per Reserve call.
type OSBackend struct{}

func (OSBackend) Reserve(size int) ([]byte, error) {
	b, err := mmapRaw(size)
	if err != nil {
		return nil, errors.Wrapf(err, "allocators: reserve %d bytes from OS", size)
	}
	return b, nil
}

func (OSBackend) Release(addr unsafe.Pointer, size int) error {
	if err := munmapRaw(addr, size); err != nil {
		return errors.Wrapf(err, "allocators: release %d bytes to OS", size)
	}
	return nil
}

// defaultBackend is shared by every allocator constructed without an
// explicit WithFrameBackend, WithArenaBackend or WithRefCountedBackend
// option.
var defaultBackend Backend = OSBackend{}

// roundupPage rounds n up to the next multiple of the OS page size.
func roundupPage(n int) int { return (n + osPageMask) &^ osPageMask }

// roundup rounds n up to the next multiple of m. m must be a power of 2.
func roundup(n, m int) int { return (n + m - 1) &^ (m - 1) }

// bumpAlign is the alignment every bump-allocator reservation is rounded up
// to, so that each reservation, and with it the realloc-size header at its
// low end, starts on a word-aligned address. The payload and the cleanup
// node above it sit at offsets H and H+n from that start, so they are
// word-aligned only when those offsets are multiples of bumpAlign.
var bumpAlign = int(unsafe.Sizeof(uintptr(0)))
