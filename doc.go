// Copyright 2024 The Allocators Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package allocators implements a family of allocation disciplines for
// workloads with strong locality of lifetime: short-lived objects whose
// death is known to occur at well-defined synchronisation points, rather
// than being tracked individually.
//
// Three allocators are provided:
//
//   - Frame: a double-buffered, lock-free, bump-pointer allocator with two
//     banks and an explicit Swap operation for bulk reclamation.
//   - Arena: a single-region bump-pointer allocator, reset in one Clear
//     call.
//   - RefCounted: an atomically reference-counted heap block with an
//     optional destructor.
//
// None of the three support freeing an individual allocation (except via
// RefCounted's reference counting); there is no general-purpose free. All
// backing memory comes from the OS (mmap/MapViewOfFile) via the Backend
// interface, never from the Go heap, so the garbage collector never scans
// or relocates it.
//
// Use-after-swap and use-after-clear are not detected. Frame.Swap is not
// safe to call from more than one goroutine concurrently with itself
// (single swap master); it is safe to call concurrently with any number of
// allocating goroutines.
package allocators
