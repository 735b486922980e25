package allocators

import (
	"math"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/cznic/mathutil"
)

func TestArenaMallocFillsAndZeroes(t *testing.T) {
	const size = 64 << 10
	a, err := NewArena(size)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	rng, err := mathutil.NewFC32(1, 256, true)
	if err != nil {
		t.Fatal(err)
	}
	rng.Seed(42)

	var got [][]byte
	for {
		n := rng.Next()
		b, err := a.Calloc(n)
		if err != nil {
			if err == ErrOutOfSpace {
				break
			}
			t.Fatal(err)
		}
		for i, v := range b {
			if v != 0 {
				t.Fatalf("Calloc did not zero byte %d", i)
			}
		}
		for i := range b {
			b[i] = byte(n)
		}
		got = append(got, b)
	}
	if len(got) == 0 {
		t.Fatal("no allocations fit")
	}

	// No two allocations may overlap: every byte must still carry the
	// value its own allocation wrote.
	for _, b := range got {
		n := len(b)
		for _, v := range b {
			if v != byte(n) {
				t.Fatalf("allocation of size %d corrupted, got %#x", n, v)
			}
		}
	}
}

func TestArenaCleanupRunsOnClear(t *testing.T) {
	a, err := NewArena(4096)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	var fired int32
	for i := 0; i < 4; i++ {
		if _, err := a.UnsafeMallocWithCleanup(16, func(unsafe.Pointer) { atomic.AddInt32(&fired, 1) }); err != nil {
			t.Fatal(err)
		}
	}
	a.Clear()
	if got := atomic.LoadInt32(&fired); got != 4 {
		t.Fatalf("fired = %d, want 4", got)
	}

	// A second Clear with nothing registered must not re-fire anything.
	a.Clear()
	if got := atomic.LoadInt32(&fired); got != 4 {
		t.Fatalf("fired after second Clear = %d, want 4", got)
	}
}

func TestArenaOutOfSpace(t *testing.T) {
	a, err := NewArena(128)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	// size is rounded up to the OS page size, so request something no
	// real page size could possibly satisfy.
	if _, err := a.Malloc(64 << 20); err != ErrOutOfSpace {
		t.Fatalf("err = %v, want ErrOutOfSpace", err)
	}
}

func TestArenaRealloc(t *testing.T) {
	a, err := NewArena(4096, WithArenaReallocHeader())
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	p, err := a.UnsafeMalloc(8)
	if err != nil {
		t.Fatal(err)
	}
	b := unsafe.Slice((*byte)(p), 8)
	for i := range b {
		b[i] = byte(i + 1)
	}

	// Growing the recorded size must copy the old bytes forward.
	np, err := a.UnsafeRealloc(p, 32)
	if err != nil {
		t.Fatal(err)
	}
	nb := unsafe.Slice((*byte)(np), 8)
	for i, v := range nb {
		if v != byte(i+1) {
			t.Fatalf("byte %d = %#x, want %#x", i, v, i+1)
		}
	}

	// Requesting <= the recorded size must return the same pointer
	// unchanged.
	sp, err := a.UnsafeRealloc(np, 4)
	if err != nil {
		t.Fatal(err)
	}
	if sp != np {
		t.Fatalf("shrink reallocated, got %p want %p", sp, np)
	}
}

func TestArenaReallocRequiresHeader(t *testing.T) {
	a, err := NewArena(4096)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if _, err := a.UnsafeRealloc(nil, 8); err != ErrReallocHeaderRequired {
		t.Fatalf("err = %v, want ErrReallocHeaderRequired", err)
	}
}

func TestArenaCloseIsIdempotentAndBlocksFurtherUse(t *testing.T) {
	a, err := NewArena(4096)
	if err != nil {
		t.Fatal(err)
	}
	var fired int32
	if _, err := a.UnsafeMallocWithCleanup(8, func(unsafe.Pointer) { atomic.AddInt32(&fired, 1) }); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&fired); got != 1 {
		t.Fatalf("fired = %d, want 1", got)
	}
	if err := a.Close(); err != ErrClosed {
		t.Fatalf("second Close err = %v, want ErrClosed", err)
	}
	if _, err := a.Malloc(8); err != ErrClosed {
		t.Fatalf("Malloc after Close err = %v, want ErrClosed", err)
	}
}

func TestArenaStressRandomSizes(t *testing.T) {
	a, err := NewArena(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	rng, err := mathutil.NewFC32(0, math.MaxInt16, true)
	if err != nil {
		t.Fatal(err)
	}
	rng.Seed(7)

	for i := 0; i < 256; i++ {
		n := rng.Next()%512 + 1
		if _, err := a.Malloc(n); err != nil {
			if err == ErrOutOfSpace {
				a.Clear()
				continue
			}
			t.Fatal(err)
		}
	}
}
