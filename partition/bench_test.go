package partition

import (
	"testing"
)

// Benchmark_Root_AllocFree measures the locked root path for small slots.
func Benchmark_Root_AllocFree(b *testing.B) {
	r := benchRoot(b, Options{})

	b.ResetTimer()
	b.ReportAllocs()

	for i := range b.N {
		size := uintptr(64 + (i%64)*2) // 64-190 bytes
		r.Free(r.Alloc(size))
	}
}

// Benchmark_Thread_AllocFree measures the thread cache fast path.
func Benchmark_Thread_AllocFree(b *testing.B) {
	r := benchRoot(b, Options{ThreadCache: true})
	th, err := r.NewThread()
	if err != nil {
		b.Fatal(err)
	}
	defer th.Close()

	b.ResetTimer()
	b.ReportAllocs()

	for i := range b.N {
		size := uintptr(64 + (i%64)*2)
		th.Free(th.Alloc(size))
	}
}

// Benchmark_Root_Batch measures BatchAlloc and BatchFree of 64 slots.
func Benchmark_Root_Batch(b *testing.B) {
	r := benchRoot(b, Options{})
	out := make([]uintptr, 64)

	b.ResetTimer()
	b.ReportAllocs()

	for range b.N {
		n := r.BatchAlloc(96, out)
		r.BatchFree(out[:n])
	}
}

// Benchmark_Root_DirectMap measures direct map reservation and release.
func Benchmark_Root_DirectMap(b *testing.B) {
	r := benchRoot(b, Options{})

	b.ResetTimer()

	for range b.N {
		r.Free(r.Alloc(1 << 20))
	}
}

func benchRoot(b *testing.B, opts Options) *Root {
	b.Helper()
	opts.Name = b.Name()
	r, err := New(opts)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = r.Close() })
	return r
}
