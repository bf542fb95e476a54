package mm

import (
	"testing"

	"github.com/akeamc/aaos/kernel"
)

func TestFrameMethods(t *testing.T) {
	for frameIndex := uint64(0); frameIndex < 128; frameIndex++ {
		frame := Frame(frameIndex)

		if !frame.Valid() {
			t.Errorf("expected frame %d to be valid", frameIndex)
		}

		if exp, got := uintptr(frameIndex<<PageShift), frame.Address(); got != exp {
			t.Errorf("expected frame (%d, index: %d) call to Address() to return %x; got %x", frame, frameIndex, exp, got)
		}
	}

	invalidFrame := InvalidFrame
	if invalidFrame.Valid() {
		t.Error("expected InvalidFrame.Valid() to return false")
	}
}

func TestFrameAndPageFromAddress(t *testing.T) {
	specs := []struct {
		input uintptr
		exp   uintptr
	}{
		{0, 0},
		{4095, 0},
		{4096, 1},
		{4123, 1},
		{0x4444_4444_0000, 0x4444_4444_0000 >> PageShift},
	}

	for specIndex, spec := range specs {
		if got := FrameFromAddress(spec.input); got != Frame(spec.exp) {
			t.Errorf("[spec %d] expected returned frame to be %v; got %v", specIndex, spec.exp, got)
		}

		if got := PageFromAddress(spec.input); got != Page(spec.exp) {
			t.Errorf("[spec %d] expected returned page to be %v; got %v", specIndex, spec.exp, got)
		}
	}
}

func TestFrameAllocatorFunc(t *testing.T) {
	var allocCalled bool
	alloc := FrameAllocatorFunc(func() (Frame, *kernel.Error) {
		allocCalled = true
		return FrameFromAddress(0xbadf00), nil
	})

	frame, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}

	if !allocCalled {
		t.Fatal("expected wrapped function to be invoked by AllocFrame")
	}

	if exp := Frame(0xbad); frame != exp {
		t.Fatalf("expected frame %d; got %d", exp, frame)
	}
}

func TestAlign(t *testing.T) {
	specs := []struct {
		v, align       uintptr
		expUp, expDown uintptr
	}{
		{0, 8, 0, 0},
		{1, 8, 8, 0},
		{8, 8, 8, 8},
		{4097, PageSize, 2 * PageSize, PageSize},
		{123, 1, 123, 123},
	}

	for specIndex, spec := range specs {
		if got := AlignUp(spec.v, spec.align); got != spec.expUp {
			t.Errorf("[spec %d] expected AlignUp(%d, %d) to return %d; got %d", specIndex, spec.v, spec.align, spec.expUp, got)
		}
		if got := AlignDown(spec.v, spec.align); got != spec.expDown {
			t.Errorf("[spec %d] expected AlignDown(%d, %d) to return %d; got %d", specIndex, spec.v, spec.align, spec.expDown, got)
		}
	}
}
