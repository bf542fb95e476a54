package heap

import (
	"bytes"
	"math/rand"
	"os"
	"runtime"
	"strings"
	"testing"
	"unsafe"

	"github.com/akeamc/aaos/kernel"
	"github.com/akeamc/aaos/kernel/kfmt"
	"github.com/akeamc/aaos/kernel/mm"
	"github.com/akeamc/aaos/kernel/mm/vmm"
	"github.com/akeamc/aaos/kernel/sync"
)

func TestMain(m *testing.M) {
	restore := sync.MockInterruptControl(func() bool { return false }, func() {}, func() {})
	code := m.Run()
	restore()
	os.Exit(code)
}

// testRegion returns a page-aligned region of Go memory. The returned slice
// must be kept alive for as long as the region is in use.
func testRegion(size uintptr) ([]byte, uintptr) {
	buf := make([]byte, size+mm.PageSize)
	return buf, mm.AlignUp(uintptr(unsafe.Pointer(&buf[0])), mm.PageSize)
}

func expectPanic(t *testing.T, expErr *kernel.Error, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		if err := recover(); err != expErr {
			t.Fatalf("expected panic with %v; got %v", expErr, err)
		}
	}()
	fn()
}

func TestAllocExhaustion(t *testing.T) {
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	mem, start := testRegion(64 * 1024)
	defer runtime.KeepAlive(mem)

	var a Allocator
	a.Init(start, 64*1024)

	small := a.Alloc(Layout{Size: 1, Align: 1})
	page := a.Alloc(Layout{Size: 4096, Align: 4096})

	if small != start {
		t.Errorf("expected first allocation at 0x%x; got 0x%x", start, small)
	}
	if page%4096 != 0 {
		t.Errorf("expected page-aligned allocation; got 0x%x", page)
	}
	if small+minBlockSize > page && page+4096 > small {
		t.Errorf("allocations overlap: 0x%x and 0x%x", small, page)
	}

	expectPanic(t, errAllocFailed, func() {
		a.Alloc(Layout{Size: 60000, Align: 4096})
	})

	if exp, got := "memory allocation of 60000 bytes (align 4096) failed\n", buf.String(); got != exp {
		t.Errorf("expected output %q; got %q", exp, got)
	}

	// The failed request must leave the allocator untouched
	if st := a.Stats(); st.Used != minBlockSize+4096 || st.Allocs != 2 || st.FreeBlocks != 2 {
		t.Errorf("unexpected allocator state after failed allocation: %+v", st)
	}
}

func TestAllocSplitting(t *testing.T) {
	defer SetAllocErrorHandler(nil)

	var failed []Layout
	SetAllocErrorHandler(func(l Layout) { failed = append(failed, l) })

	specs := []struct {
		regionSize uintptr
		layout     Layout
		expOK      bool
	}{
		// exact fit
		{32, Layout{32, 8}, true},
		// leaves a trailing fragment large enough for a header
		{48, Layout{32, 8}, true},
		// would leave an 8-byte trailing fragment
		{48, Layout{40, 8}, false},
		// rounded up to the minimum block size
		{16, Layout{1, 1}, true},
		// over-aligned request
		{128, Layout{16, 64}, true},
		// zero-sized allocations still consume a block
		{16, Layout{0, 1}, true},
		{8, Layout{0, 1}, false},
	}

	for specIndex, spec := range specs {
		mem, start := testRegion(spec.regionSize)

		var a Allocator
		a.Init(start, spec.regionSize)

		failed = failed[:0]
		addr := a.Alloc(spec.layout)
		runtime.KeepAlive(mem)

		if ok := addr != 0; ok != spec.expOK {
			t.Errorf("[spec %d] expected allocation success to be %t; got addr 0x%x", specIndex, spec.expOK, addr)
			continue
		}

		if !spec.expOK {
			if len(failed) != 1 || failed[0] != spec.layout {
				t.Errorf("[spec %d] expected allocation error handler to receive %v; got %v", specIndex, spec.layout, failed)
			}
			continue
		}

		if align := spec.layout.Align; align != 0 && addr%align != 0 {
			t.Errorf("[spec %d] expected address 0x%x to be aligned to %d", specIndex, addr, align)
		}
		if addr < start || addr+spec.layout.Size > start+spec.regionSize {
			t.Errorf("[spec %d] allocation 0x%x lies outside the region", specIndex, addr)
		}
	}
}

func TestAllocSizeOverflow(t *testing.T) {
	defer SetAllocErrorHandler(nil)

	var failed []Layout
	SetAllocErrorHandler(func(l Layout) { failed = append(failed, l) })

	mem, start := testRegion(64 * 1024)
	defer runtime.KeepAlive(mem)

	specs := []Layout{
		{^uintptr(0), 1},
		{^uintptr(0) - 3, 1},
		{^uintptr(0) - blockAlign + 2, 8},
		{^uintptr(0) - blockAlign + 1, 4096},
	}

	for specIndex, layout := range specs {
		var a Allocator
		a.Init(start, 64*1024)

		failed = failed[:0]
		if addr := a.Alloc(layout); addr != 0 {
			t.Errorf("[spec %d] expected allocation of %d bytes to fail; got 0x%x", specIndex, layout.Size, addr)
		}

		if len(failed) != 1 || failed[0] != layout {
			t.Errorf("[spec %d] expected allocation error handler to receive %v; got %v", specIndex, layout, failed)
		}

		if st := a.Stats(); st.Used != 0 || st.Allocs != 0 {
			t.Errorf("[spec %d] expected the failed request to reserve nothing; got %+v", specIndex, st)
		}

		first := a.Alloc(Layout{Size: 16, Align: 1})
		second := a.Alloc(Layout{Size: 16, Align: 1})
		if first == 0 || second == 0 || first == second {
			t.Errorf("[spec %d] expected distinct follow-up allocations; got 0x%x and 0x%x", specIndex, first, second)
		}

		expectPanic(t, errInvalidFree, func() {
			a.Free(first, layout)
		})
	}
}

func TestFreeCoalescing(t *testing.T) {
	const blockSize = 64

	specs := [][]int{
		{0, 1, 2},
		{2, 1, 0},
		{1, 0, 2},
		{0, 2, 1},
		{2, 0, 1},
	}

	layout := Layout{Size: blockSize, Align: 8}
	for specIndex, order := range specs {
		mem, start := testRegion(3 * blockSize)

		var a Allocator
		a.Init(start, 3*blockSize)

		var addrs [3]uintptr
		for i := range addrs {
			addrs[i] = a.Alloc(layout)
		}

		if st := a.Stats(); st.FreeBlocks != 0 || st.Used != 3*blockSize {
			t.Errorf("[spec %d] expected heap to be full; got %+v", specIndex, st)
			continue
		}

		for _, idx := range order {
			a.Free(addrs[idx], layout)
		}
		runtime.KeepAlive(mem)

		st := a.Stats()
		if st.FreeBlocks != 1 || st.LargestFree != 3*blockSize || st.Used != 0 || st.Frees != 3 {
			t.Errorf("[spec %d] expected all blocks to be merged; got %+v", specIndex, st)
		}
	}
}

func TestFreeErrors(t *testing.T) {
	mem, start := testRegion(mm.PageSize)
	defer runtime.KeepAlive(mem)

	var a Allocator
	a.Init(start, mm.PageSize)

	layout := Layout{Size: 32, Align: 8}
	addr := a.Alloc(layout)

	t.Run("outside region", func(t *testing.T) {
		expectPanic(t, errInvalidFree, func() { a.Free(start+mm.PageSize, layout) })
		expectPanic(t, errInvalidFree, func() { a.Free(start-16, layout) })
	})

	t.Run("double free", func(t *testing.T) {
		a.Free(addr, layout)
		expectPanic(t, errDoubleFree, func() { a.Free(addr, layout) })
	})

	t.Run("bad alignment", func(t *testing.T) {
		expectPanic(t, errBadAlign, func() { a.Alloc(Layout{Size: 8, Align: 24}) })
	})
}

func TestAllocRoundTrip(t *testing.T) {
	const (
		regionSize = 1024 * 1024
		rounds     = 4
		perRound   = 64
	)

	type live struct {
		addr    uintptr
		layout  Layout
		pattern byte
	}

	mem, start := testRegion(regionSize)
	defer runtime.KeepAlive(mem)

	var a Allocator
	a.Init(start, regionSize)

	rng := rand.New(rand.NewSource(42))
	aligns := []uintptr{1, 2, 8, 16, 64, 4096}

	var (
		allocs  []live
		pattern byte
	)

	checkNoOverlap := func() {
		for i := range allocs {
			for j := i + 1; j < len(allocs); j++ {
				x, y := allocs[i], allocs[j]
				if x.addr < y.addr+y.layout.Size && y.addr < x.addr+x.layout.Size {
					t.Fatalf("live allocations overlap: [0x%x, +%d) and [0x%x, +%d)", x.addr, x.layout.Size, y.addr, y.layout.Size)
				}
			}

			if x := allocs[i]; x.layout.Size > 0 {
				data := unsafe.Slice((*byte)(unsafe.Pointer(x.addr)), x.layout.Size)
				for k, b := range data {
					if b != x.pattern {
						t.Fatalf("allocation at 0x%x corrupted at offset %d", x.addr, k)
					}
				}
			}
		}
	}

	for round := 0; round < rounds; round++ {
		for i := 0; i < perRound; i++ {
			layout := Layout{
				Size:  uintptr(1 + rng.Intn(2048)),
				Align: aligns[rng.Intn(len(aligns))],
			}

			addr := a.Alloc(layout)
			if addr%layout.Align != 0 {
				t.Fatalf("expected address 0x%x to be aligned to %d", addr, layout.Align)
			}

			pattern++
			kernel.Memset(addr, pattern, layout.Size)
			allocs = append(allocs, live{addr, layout, pattern})
		}

		checkNoOverlap()

		// Release a random half of the live allocations
		rng.Shuffle(len(allocs), func(i, j int) { allocs[i], allocs[j] = allocs[j], allocs[i] })
		half := len(allocs) / 2
		for _, x := range allocs[:half] {
			a.Free(x.addr, x.layout)
		}
		allocs = append(allocs[:0], allocs[half:]...)

		checkNoOverlap()
	}

	for _, x := range allocs {
		a.Free(x.addr, x.layout)
	}

	if st := a.Stats(); st.Used != 0 || st.FreeBlocks != 1 || st.LargestFree != regionSize {
		t.Fatalf("expected heap to be fully coalesced after freeing everything; got %+v", st)
	}
}

func TestTrace(t *testing.T) {
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	mem, start := testRegion(mm.PageSize)
	defer runtime.KeepAlive(mem)

	var a Allocator
	a.Init(start, mm.PageSize)
	a.SetTrace(true)

	addr := a.Alloc(Layout{Size: 24, Align: 8})
	a.Free(addr, Layout{Size: 24, Align: 8})

	got := buf.String()
	if !strings.Contains(got, "[heap] alloc 24/8 -> 0x") || !strings.Contains(got, "[heap] free 0x") {
		t.Fatalf("unexpected trace output: %q", got)
	}
}

type mapperFunc func(virtStart, length uintptr, flags vmm.PageTableEntryFlag) *kernel.Error

func (fn mapperFunc) MapRange(virtStart, length uintptr, flags vmm.PageTableEntryFlag) *kernel.Error {
	return fn(virtStart, length, flags)
}

func TestInit(t *testing.T) {
	expErr := &kernel.Error{Module: "test", Message: "out of frames"}

	var called bool
	err := Init(mapperFunc(func(virtStart, length uintptr, flags vmm.PageTableEntryFlag) *kernel.Error {
		called = true
		if virtStart != HeapStart || length != HeapSize {
			t.Errorf("expected heap range [0x%x, +0x%x); got [0x%x, +0x%x)", HeapStart, HeapSize, virtStart, length)
		}
		if exp := vmm.FlagRW | vmm.FlagNoExecute; flags != exp {
			t.Errorf("expected flags 0x%x; got 0x%x", exp, flags)
		}
		return expErr
	}))

	if !called {
		t.Fatal("expected the heap region to be mapped")
	}

	if err != expErr {
		t.Fatalf("expected mapping error to be propagated; got %v", err)
	}

	if st := KernelStats(); st.Capacity != 0 {
		t.Fatal("expected kernel heap to remain uninitialized")
	}
}

func TestSetAllocErrorHandler(t *testing.T) {
	var got Layout
	prev := SetAllocErrorHandler(func(l Layout) { got = l })
	defer SetAllocErrorHandler(prev)

	// The zero value allocator has no memory
	var a Allocator
	if addr := a.Alloc(Layout{Size: 8, Align: 8}); addr != 0 {
		t.Fatalf("expected allocation to fail; got 0x%x", addr)
	}

	if got != (Layout{Size: 8, Align: 8}) {
		t.Fatalf("expected handler to receive the failed layout; got %+v", got)
	}
}
