package allocators

import (
	"sync/atomic"
	"unsafe"
)

// globalFrame backs the package-level convenience functions below: a thin
// wrapper over one process-wide *Frame, not a second implementation. This
// is an ambient-state convenience alongside the explicit-handle form; the
// explicit *Frame remains the only first-class type, and "compiling out"
// this layer is just not calling these functions.
var globalFrame atomic.Pointer[Frame]

// InitFrame constructs the process-wide Frame used by Malloc, Calloc,
// MallocWithCleanup, Swap, KeepPtr, DiscardPtr and BankOf below. Calling it
// again after a prior InitFrame without an intervening CloseFrame replaces
// the old instance without closing it; callers that need that are
// responsible for calling CloseFrame themselves first.
func InitFrame(bankSize int, opts ...FrameOption) error {
	f, err := NewFrame(bankSize, opts...)
	if err != nil {
		return err
	}
	globalFrame.Store(f)
	return nil
}

// CloseFrame closes the process-wide Frame and clears it. Calling any other
// function in this file before a subsequent InitFrame panics, same as
// calling them before the first InitFrame.
func CloseFrame() error {
	f := globalFrame.Swap(nil)
	if f == nil {
		return ErrClosed
	}
	return f.Close()
}

func currentFrame() *Frame {
	f := globalFrame.Load()
	if f == nil {
		panic("allocators: InitFrame was not called")
	}
	return f
}

// Malloc allocates from the process-wide Frame. See (*Frame).Malloc.
func Malloc(n int) ([]byte, error) { return currentFrame().Malloc(n) }

// Calloc allocates zeroed memory from the process-wide Frame. See
// (*Frame).Calloc.
func Calloc(n int) ([]byte, error) { return currentFrame().Calloc(n) }

// MallocWithCleanup allocates from the process-wide Frame with a registered
// destructor. See (*Frame).MallocWithCleanup.
func MallocWithCleanup(n int, cb CleanupFunc) ([]byte, error) {
	return currentFrame().MallocWithCleanup(n, cb)
}

// Swap swaps the process-wide Frame's active bank. See (*Frame).Swap.
func Swap(clear bool) { currentFrame().Swap(clear) }

// KeepPtr enrolls ptrp with the process-wide Frame. See (*Frame).KeepPtr.
func KeepPtr(ptrp *unsafe.Pointer, copy func(unsafe.Pointer) unsafe.Pointer) error {
	return currentFrame().KeepPtr(ptrp, copy)
}

// DiscardPtr un-enrolls ptrp from the process-wide Frame. See
// (*Frame).DiscardPtr.
func DiscardPtr(ptrp *unsafe.Pointer) bool {
	return currentFrame().DiscardPtr(ptrp)
}

// BankOf reports which bank of the process-wide Frame p was allocated
// from. See (*Frame).BankOf.
func BankOf(p unsafe.Pointer) int { return currentFrame().BankOf(p) }
