package main

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()

	root := t.TempDir()
	for name, contents := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

type redirectPair struct {
	Src, Dst string
}

func pairs(redirects []*redirect) []redirectPair {
	out := make([]redirectPair, 0, len(redirects))
	for _, r := range redirects {
		out = append(out, redirectPair{r.src, r.dst})
	}
	return out
}

func TestScanRedirects(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"go.mod": "module example.com/os\n\ngo 1.24\n",
		"kernel/rt/rt.go": `package rt

// Alloc replaces the runtime allocator.
//
//go:redirect-from runtime.sysAllocOS
//go:nosplit
func Alloc(n uintptr) uintptr { return 0 }

//go:redirect-from runtime.nanotime1
func nanotime() int64

// not a redirect
func helper() {}
`,
		"kernel/rt/rt_test.go": `package rt

//go:redirect-from runtime.ignored
func fromTest() {}
`,
		"device/con/con.go": `package con

//go:redirect-from runtime.printstring
func print(s string) {}
`,
	})

	redirects, modPath, err := scanRedirects(root)
	if err != nil {
		t.Fatal(err)
	}

	if modPath != "example.com/os" {
		t.Fatalf("expected module path example.com/os; got %q", modPath)
	}

	exp := []redirectPair{
		{"runtime.nanotime1", "example.com/os/kernel/rt.nanotime"},
		{"runtime.printstring", "example.com/os/device/con.print"},
		{"runtime.sysAllocOS", "example.com/os/kernel/rt.Alloc"},
	}
	if diff := cmp.Diff(exp, pairs(redirects)); diff != "" {
		t.Fatalf("unexpected redirects (-want +got):\n%s", diff)
	}
}

func TestScanRedirectsErrors(t *testing.T) {
	specs := []struct {
		files  map[string]string
		expErr string
	}{
		{
			map[string]string{
				"kernel/a/a.go": "package a\n",
			},
			"go.mod",
		},
		{
			map[string]string{
				"go.mod":        "go 1.24\n",
				"kernel/a/a.go": "package a\n",
			},
			"missing module directive",
		},
		{
			map[string]string{
				"go.mod":        "module m\n",
				"kernel/a/a.go": "package a\n\n//go:redirect-from runtime.a extra\nfunc a() {}\n",
			},
			"malformed go:redirect-from syntax",
		},
		{
			map[string]string{
				"go.mod":        "module m\n",
				"kernel/a/a.go": "package a\n\ntype T struct{}\n\n//go:redirect-from runtime.a\nfunc (T) a() {}\n",
			},
			"methods cannot be redirect targets",
		},
		{
			map[string]string{
				"go.mod":        "module m\n",
				"kernel/a/a.go": "package a\n\n//go:redirect-from runtime.a\nfunc a() {}\n\n//go:redirect-from runtime.a\nfunc b() {}\n",
			},
			"redirected more than once",
		},
		{
			map[string]string{
				"go.mod":        "module m\n",
				"kernel/a/a.go": "package a\n\nfunc {\n",
			},
			"a.go",
		},
	}

	for specIndex, spec := range specs {
		root := writeFiles(t, spec.files)
		_, _, err := scanRedirects(root)
		if err == nil || !strings.Contains(err.Error(), spec.expErr) {
			t.Errorf("[spec %d] expected error containing %q; got %v", specIndex, spec.expErr, err)
		}
	}
}

func TestKernelRedirects(t *testing.T) {
	redirects, modPath, err := scanRedirects("../..")
	if err != nil {
		t.Fatal(err)
	}

	if len(redirects) > maxRedirects {
		t.Fatalf("kernel declares %d redirects; table holds %d", len(redirects), maxRedirects)
	}

	got := make(map[string]string)
	for _, r := range redirects {
		got[r.src] = r.dst
	}

	exp := map[string]string{
		"runtime.gopanic":    modPath + "/kernel/kfmt.Panic",
		"runtime.throw":      modPath + "/kernel/kfmt.panicString",
		"runtime.sysAllocOS": modPath + "/kernel/goruntime.sysAllocOS",
		"runtime.nanotime1":  modPath + "/kernel/goruntime.nanotime1",
		"runtime.readRandom": modPath + "/kernel/goruntime.readRandom",
	}
	for src, dst := range exp {
		if got[src] != dst {
			t.Errorf("expected %s to be redirected to %s; got %q", src, dst, got[src])
		}
	}
}

func TestElfWriteRedirectTable(t *testing.T) {
	const tableOffset = 64

	newImage := func(magic uint64) string {
		img := make([]byte, tableOffset+16+2*8*maxRedirects)
		binary.LittleEndian.PutUint64(img[tableOffset:], magic)
		path := filepath.Join(t.TempDir(), "kernel.elf")
		if err := os.WriteFile(path, img, 0644); err != nil {
			t.Fatal(err)
		}
		return path
	}

	redirects := []*redirect{
		{src: "runtime.a", dst: "m.a", srcVMA: 0x100000, dstVMA: 0x200000},
		{src: "runtime.b", dst: "m.b", srcVMA: 0x100100, dstVMA: 0x200100},
	}

	t.Run("success", func(t *testing.T) {
		path := newImage(redirectTableMagic)
		if err := elfWriteRedirectTable(redirects, path, tableOffset); err != nil {
			t.Fatal(err)
		}

		img, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}

		var table [6]uint64
		if err := binary.Read(bytes.NewReader(img[tableOffset:]), binary.LittleEndian, &table); err != nil {
			t.Fatal(err)
		}

		exp := [6]uint64{redirectTableMagic, 2, 0x100000, 0x200000, 0x100100, 0x200100}
		if diff := cmp.Diff(exp, table); diff != "" {
			t.Fatalf("unexpected table contents (-want +got):\n%s", diff)
		}
	})

	t.Run("magic mismatch", func(t *testing.T) {
		path := newImage(0xbadf00d)
		err := elfWriteRedirectTable(redirects, path, tableOffset)
		if err == nil || !strings.Contains(err.Error(), "magic mismatch") {
			t.Fatalf("expected magic mismatch error; got %v", err)
		}
	})

	t.Run("too many redirects", func(t *testing.T) {
		many := make([]*redirect, maxRedirects+1)
		err := populateRedirectTable(many, "unused", "unused")
		if err == nil || !strings.Contains(err.Error(), "exceed the table capacity") {
			t.Fatalf("expected capacity error; got %v", err)
		}
	})
}
