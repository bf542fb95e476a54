package multiboot

import (
	"encoding/binary"
	"testing"
	"unsafe"
)

type testRegion struct {
	phys, length uint64
	memType      uint32
}

// buildInfo assembles a multiboot2 information structure containing a
// command line tag (if cmdLine is not empty) and a memory map tag. The
// returned slice is backed by a uint64 array so it is 8-byte aligned.
func buildInfo(cmdLine string, regions []testRegion) []byte {
	var buf []byte
	le := binary.LittleEndian
	pad := func() {
		for len(buf)%8 != 0 {
			buf = append(buf, 0)
		}
	}

	buf = le.AppendUint32(buf, 0) // total size; patched below
	buf = le.AppendUint32(buf, 0)

	if cmdLine != "" {
		buf = le.AppendUint32(buf, uint32(tagBootCmdLine))
		buf = le.AppendUint32(buf, uint32(8+len(cmdLine)+1))
		buf = append(buf, cmdLine...)
		buf = append(buf, 0)
		pad()
	}

	buf = le.AppendUint32(buf, uint32(tagMemoryMap))
	buf = le.AppendUint32(buf, uint32(16+24*len(regions)))
	buf = le.AppendUint32(buf, 24)
	buf = le.AppendUint32(buf, 0)
	for _, r := range regions {
		buf = le.AppendUint64(buf, r.phys)
		buf = le.AppendUint64(buf, r.length)
		buf = le.AppendUint32(buf, r.memType)
		buf = le.AppendUint32(buf, 0)
	}
	pad()

	buf = le.AppendUint32(buf, uint32(tagMbSectionEnd))
	buf = le.AppendUint32(buf, 8)
	le.PutUint32(buf, uint32(len(buf)))

	aligned := make([]uint64, len(buf)/8)
	out := unsafe.Slice((*byte)(unsafe.Pointer(&aligned[0])), len(buf))
	copy(out, buf)
	return out
}

// qemuRegions mirrors the memory map reported by qemu for a 128M guest.
var qemuRegions = []testRegion{
	{0, 654336, 1},
	{654336, 1024, 2},
	{983040, 65536, 2},
	{1048576, 133038080, 1},
	{134086656, 131072, 2},
	{4294705152, 262144, 42},
}

func TestFindTagByType(t *testing.T) {
	info := buildInfo("heapLog=on", qemuRegions)
	SetInfoPtr(uintptr(unsafe.Pointer(&info[0])))

	specs := []struct {
		tagType tagType
		expSize uint32
	}{
		{tagBootCmdLine, uint32(len("heapLog=on") + 1)},
		{tagMemoryMap, uint32(8 + 24*len(qemuRegions))},
		{tagModules, 0},
	}

	for specIndex, spec := range specs {
		if _, size := findTagByType(spec.tagType); size != spec.expSize {
			t.Errorf("[spec %d] expected tag size for tag type %d to be %d; got %d", specIndex, spec.tagType, spec.expSize, size)
		}
	}

	if exp := uint32(len(info)); InfoSize() != exp {
		t.Errorf("expected InfoSize() to return %d; got %d", exp, InfoSize())
	}
}

func TestVisitMemRegions(t *testing.T) {
	type region struct {
		phys, length uint64
		memType      MemoryEntryType
	}

	collect := func() []region {
		var out []region
		VisitMemRegions(func(e *MemoryMapEntry) bool {
			out = append(out, region{e.PhysAddress, e.Length, e.Type})
			return true
		})
		return out
	}

	check := func(t *testing.T, exp, got []region) {
		t.Helper()
		if len(got) != len(exp) {
			t.Fatalf("expected %d regions; got %d: %v", len(exp), len(got), got)
		}
		for i := range exp {
			if got[i] != exp[i] {
				t.Errorf("[region %d] expected %+v; got %+v", i, exp[i], got[i])
			}
		}
	}

	t.Run("raw map", func(t *testing.T) {
		info := buildInfo("", qemuRegions)
		SetInfoPtr(uintptr(unsafe.Pointer(&info[0])))

		check(t, []region{
			{0, 654336, MemAvailable},
			{654336, 1024, MemReserved},
			{983040, 65536, MemReserved},
			{1048576, 133038080, MemAvailable},
			{134086656, 131072, MemReserved},
			// unknown types are reported as reserved
			{4294705152, 262144, MemReserved},
		}, collect())
	})

	t.Run("with reserved ranges", func(t *testing.T) {
		info := buildInfo("", qemuRegions)
		SetInfoPtr(uintptr(unsafe.Pointer(&info[0])))

		// kernel image in the middle of the second available region and
		// the boot info straddling the end of the first one.
		if !ReserveRegion(0x200000, 0x400000) || !ReserveRegion(0x9f000, 0xa1000) {
			t.Fatal("expected ReserveRegion to succeed")
		}
		// empty ranges are rejected
		if ReserveRegion(0x1000, 0x1000) {
			t.Fatal("expected ReserveRegion to reject an empty range")
		}

		check(t, []region{
			{0, 0x9f000, MemAvailable},
			{654336, 1024, MemReserved},
			{983040, 65536, MemReserved},
			{0x100000, 0x100000, MemAvailable},
			{0x400000, 1048576 + 133038080 - 0x400000, MemAvailable},
			{134086656, 131072, MemReserved},
			{4294705152, 262144, MemReserved},
		}, collect())
	})

	t.Run("reserved range covers whole region", func(t *testing.T) {
		info := buildInfo("", qemuRegions[:1])
		SetInfoPtr(uintptr(unsafe.Pointer(&info[0])))
		ReserveRegion(0, 1<<20)

		if got := collect(); len(got) != 0 {
			t.Fatalf("expected no regions to be visited; got %v", got)
		}
	})

	t.Run("abort scan", func(t *testing.T) {
		info := buildInfo("", qemuRegions)
		SetInfoPtr(uintptr(unsafe.Pointer(&info[0])))
		ReserveRegion(0x1000, 0x2000)

		var visitCount int
		VisitMemRegions(func(_ *MemoryMapEntry) bool {
			visitCount++
			return false
		})

		if visitCount != 1 {
			t.Fatalf("expected visitor to be invoked once; got %d", visitCount)
		}
	})

	t.Run("range table full", func(t *testing.T) {
		info := buildInfo("", qemuRegions)
		SetInfoPtr(uintptr(unsafe.Pointer(&info[0])))
		for i := uint64(0); i < maxReservedRegions; i++ {
			if !ReserveRegion(i*0x1000, (i+1)*0x1000) {
				t.Fatalf("expected reservation %d to succeed", i)
			}
		}

		if ReserveRegion(0x100000, 0x200000) {
			t.Fatal("expected ReserveRegion to fail when the range table is full")
		}
	})
}

func TestGetBootCmdLine(t *testing.T) {
	specs := []struct {
		cmdLine string
		exp     map[string]string
	}{
		{"", map[string]string{}},
		{"heapLog=on", map[string]string{"heapLog": "on"}},
		{"  quiet   heapLog=on foo=bar=baz ", map[string]string{"quiet": "quiet", "heapLog": "on", "foo": "bar=baz"}},
	}

	for specIndex, spec := range specs {
		info := buildInfo(spec.cmdLine, qemuRegions)
		SetInfoPtr(uintptr(unsafe.Pointer(&info[0])))

		got := GetBootCmdLine()
		if len(got) != len(spec.exp) {
			t.Errorf("[spec %d] expected %d key/value pairs; got %v", specIndex, len(spec.exp), got)
			continue
		}
		for k, v := range spec.exp {
			if got[k] != v {
				t.Errorf("[spec %d] expected key %q to map to %q; got %q", specIndex, k, v, got[k])
			}
		}
	}
}

func TestMemoryEntryTypeString(t *testing.T) {
	specs := []struct {
		input MemoryEntryType
		exp   string
	}{
		{MemAvailable, "available"},
		{MemReserved, "reserved"},
		{MemAcpiReclaimable, "ACPI (reclaimable)"},
		{MemNvs, "NVS"},
		{MemoryEntryType(123), "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.input.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}
