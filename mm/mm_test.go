package mm_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/appsworld/elfpatch/elfimg"
	"github.com/appsworld/elfpatch/internal/fixture"
	"github.com/appsworld/elfpatch/mm"
)

type recordingCallback struct {
	offset, vaddr uint64
	called        bool
}

func (c *recordingCallback) Apply(offset, vaddr uint64) {
	c.offset, c.vaddr = offset, vaddr
	c.called = true
}

func mustImage(t *testing.T, raw []byte) *elfimg.Image {
	t.Helper()
	im, err := elfimg.NewImage(raw)
	if err != nil {
		t.Fatalf("NewImage: %v", err)
	}
	return im
}

func TestThresholdSelection(t *testing.T) {
	cases := []struct {
		name     string
		numLoads int
	}{
		{"single load", 1},
		{"exactly two loads", 2},
		{"more than two loads", 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := fixture.Build(fixture.Config{Interp: "/lib/ld.so", NumLoads: tc.numLoads})
			im := mustImage(t, raw)
			mgr, err := mm.New(im)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			loads := im.LoadSegments()
			last := loads[len(loads)-1]
			want := last.Offset + last.Filesz
			if got := mgr.Threshold(); got != want {
				t.Fatalf("Threshold() = %#x, want %#x", got, want)
			}
		})
	}
}

func TestNewRejectsNoLoadSegments(t *testing.T) {
	// Build the minimal one-PT_LOAD fixture, then flip that single program
	// header's p_type to PT_NULL directly in the raw bytes before parsing,
	// since fixture.Config has no way to omit PT_LOAD entirely.
	raw := fixture.Build(fixture.Config{NumLoads: 1})
	const phoff = 0x40 // ehSize; the sole program header starts here
	raw[phoff] = 0      // p_type = PT_NULL (was PT_LOAD = 1)

	im := mustImage(t, raw)
	_, err := mm.New(im)
	if err == nil {
		t.Fatal("expected an error: no PT_LOAD segments")
	}
	var structErr *mm.StructuralError
	if !errors.As(err, &structErr) {
		t.Fatalf("expected *mm.StructuralError, got %T", err)
	}
}

func TestMallocClaimsSpareSlot(t *testing.T) {
	raw := fixture.Build(fixture.Config{Interp: "/lib/ld.so", SpareSlot: true})
	im := mustImage(t, raw)
	mgr, err := mm.New(im)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cb := &recordingCallback{}
	if err := mgr.Malloc(64, cb); err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	if err := mgr.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !cb.called {
		t.Fatal("callback never fired")
	}
	if cb.offset != mgr.Threshold() {
		t.Fatalf("offset = %#x, want threshold %#x", cb.offset, mgr.Threshold())
	}
	if !mgr.Extended() {
		t.Fatal("Extended() = false after a successful Malloc")
	}
}

func TestMallocExtendsTrailingLoadWithoutSpareSlot(t *testing.T) {
	// Default NumLoads=2 always pads the second PT_LOAD to end exactly at
	// EOF, so with no spare PT_NULL slot the trailing PT_LOAD is extended in
	// place instead of erroring.
	raw := fixture.Build(fixture.Config{Interp: "/lib/ld.so", SpareSlot: false})
	im := mustImage(t, raw)
	mgr, err := mm.New(im)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := mgr.Malloc(64, &recordingCallback{}); err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	if err := mgr.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
}

func TestMallocFailsWithNoRoom(t *testing.T) {
	raw := fixture.Build(fixture.Config{
		Interp:      "/lib/ld.so",
		NumLoads:    1,
		SpareSlot:   false,
		TrailingPad: 0x500,
	})
	im := mustImage(t, raw)
	mgr, err := mm.New(im)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = mgr.Malloc(64, &recordingCallback{})
	if err == nil {
		t.Fatal("expected an error: no free slot and no extendable trailing PT_LOAD")
	}
	var structErr *mm.StructuralError
	if !errors.As(err, &structErr) {
		t.Fatalf("expected *mm.StructuralError, got %T", err)
	}
}

func TestDispatchShiftsSectionHeaderOffset(t *testing.T) {
	raw := fixture.Build(fixture.Config{Interp: "/lib/ld.so", SpareSlot: true, Sections: true})
	im := mustImage(t, raw)
	origShoff := im.SectionHeaderOffset()
	if origShoff == 0 {
		t.Fatal("fixture has no section header table")
	}

	mgr, err := mm.New(im)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := mgr.Malloc(64, &recordingCallback{}); err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	if err := mgr.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	want := origShoff + mgr.ExtendSize()
	var patched []byte
	for _, p := range im.Patches() {
		if p.Offset == 0x28 {
			patched = p.Data
		}
	}
	if patched == nil {
		t.Fatal("Dispatch did not record a patch for e_shoff (offset 0x28)")
	}
	if got := binary.LittleEndian.Uint64(patched); got != want {
		t.Fatalf("patched e_shoff = %#x, want %#x", got, want)
	}
}

func TestExtendedOffsetShiftsPastThreshold(t *testing.T) {
	raw := fixture.Build(fixture.Config{Interp: "/lib/ld.so", SpareSlot: true})
	im := mustImage(t, raw)
	mgr, err := mm.New(im)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	before := mgr.Threshold() - 1
	if got := mgr.ExtendedOffset(before); got != before {
		t.Fatalf("ExtendedOffset(%#x) = %#x before any allocation, want unchanged", before, got)
	}

	if err := mgr.Malloc(64, &recordingCallback{}); err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	if err := mgr.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if got := mgr.ExtendedOffset(before); got != before {
		t.Fatalf("ExtendedOffset(%#x) = %#x, want unchanged (before threshold)", before, got)
	}
	at := mgr.Threshold()
	if got := mgr.ExtendedOffset(at); got != at+mgr.ExtendSize() {
		t.Fatalf("ExtendedOffset(threshold) = %#x, want %#x", got, at+mgr.ExtendSize())
	}
}
