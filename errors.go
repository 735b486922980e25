package allocators

import "errors"

// Error taxonomy: only these kinds of failure exist:
// system out-of-memory (surfaced from Backend.Reserve, wrapped with
// context by the caller), bank/region out-of-space (ErrOutOfSpace),
// operating on a destroyed allocator (ErrClosed), a realloc-with-cleanup
// pointer that has no registered cleanup (ErrNotFound), and a realloc or
// copy-less keep without the realloc header (ErrReallocHeaderRequired).
// Everything else — use-after-swap,
// double-swap races, refcount races that lose benignly — is documented,
// undetected, caller-responsibility behaviour, not an error value.
var (
	// ErrOutOfSpace is returned when an allocation would move a bump
	// pointer below its region's start. No partial state is left behind.
	ErrOutOfSpace = errors.New("allocators: out of space")

	// ErrClosed is returned by the allocation methods of a Frame or Arena,
	// and by a second Close, once that allocator has been closed.
	ErrClosed = errors.New("allocators: allocator closed")

	// ErrNotFound is returned by UnsafeReallocWithCleanup for a pointer
	// that has no cleanup node registered in the bank it is searched in.
	// (DiscardPtr reports a handle that is not enrolled by returning false.)
	ErrNotFound = errors.New("allocators: pointer not enrolled")

	// ErrReallocHeaderRequired is returned by UnsafeRealloc and
	// UnsafeReallocWithCleanup on an allocator built without its
	// realloc-header option (WithFrameReallocHeader or
	// WithArenaReallocHeader), and by KeepPtr when no copy function is
	// supplied and the Frame was not constructed with
	// WithFrameReallocHeader — the copy-less path needs the realloc
	// header's recorded size to know how many bytes to carry forward.
	ErrReallocHeaderRequired = errors.New("allocators: operation requires the realloc header option")
)
