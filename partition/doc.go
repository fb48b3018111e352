// Package partition implements a partitioned, size-segregated allocator over
// off-heap memory.
//
// # Overview
//
// A Root is an independent heap. It allocates from one pool of the
// process-wide address space (see package addrspace), carving 2 MiB
// superpages into slot spans of equally sized slots. Different roots never
// share a slot span, so memory of one type is never reused for another.
//
// Memory returned by a Root is not visible to the Go garbage collector.
// Addresses are uintptr values; Root.Bytes gives a []byte view.
//
// # Superpage Layout
//
//	PP0        guard page, metadata page (header), guard pages
//	PP1        free-slot bitmap   1 bit per 16 bytes
//	PP2-3      state bitmap       2 bits per 16 bytes
//	PP4-11     tag bitmap         1 byte per 16 bytes
//	PP12-126   payload (slot spans)
//	PP127      guard
//
// PP is a 16 KiB partition page. The bitmaps cover the payload only and are
// committed with the superpage.
//
// # Size Classes
//
// Requests up to MaxBucketed (256 KiB) are rounded to a bucket; see
// SizeClassConfig. Aligned requests up to 16 KiB use the power-of-two
// buckets, whose slots are naturally aligned. Larger requests and larger
// alignments are direct mapped into a reservation of their own.
//
// # Slot States
//
// Every slot has a 2-bit state: freed, allocated, or quarantined stamped
// with the parity of the scan epoch it was freed in. A free of a slot that is
// not allocated is a double free and crashes. When a Quarantiner (the scanner
// in package scan) is attached, freed slots stay quarantined until a scan
// finds no pointer to them.
//
// # Threads
//
// A Thread is a mutator handle for one goroutine. It caches small slots,
// detects reentrant calls and owns a ShadowStack: words pushed there are
// scanned as if they were on the goroutine's stack.
//
//	r, err := partition.New(partition.Options{Name: "buffers", ThreadCache: true})
//	if err != nil {
//	    return err
//	}
//	th, err := r.NewThread()
//	if err != nil {
//	    return err
//	}
//	defer th.Close()
//
//	p := th.Alloc(128)
//	copy(r.Bytes(p, 128), payload)
//	th.Free(p)
//
// # Reclaiming Memory
//
// Emptied slot spans wait in a small ring before their pages are decommitted.
// PurgeMemory decommits empty spans and discards whole free pages on demand;
// package reclaim drives it periodically for every registered root.
//
// # Fatal Errors
//
// Free-list corruption, double frees, tag mismatches and reentrancy panic
// with a *crash.Error after logging it. They are never returned as errors.
package partition
