package elfpatch

import (
	"debug/elf"
	"testing"

	"github.com/appsworld/elfpatch/internal/fixture"
	"github.com/appsworld/elfpatch/mm"
)

func TestSetInterpreterNoOpWhenAbsent(t *testing.T) {
	raw := fixture.Build(fixture.Config{})
	im := mustElfImage(t, raw)
	if err := setInterpreter(im, nil, "/lib/ld.so"); err != nil {
		t.Fatalf("setInterpreter: %v", err)
	}
}

func TestSetInterpreterNoOpWhenUnchanged(t *testing.T) {
	raw := fixture.Build(fixture.Config{Interp: "/lib/ld.so"})
	im := mustElfImage(t, raw)
	before := len(im.Patches())
	if err := setInterpreter(im, nil, "/lib/ld.so"); err != nil {
		t.Fatalf("setInterpreter: %v", err)
	}
	if len(im.Patches()) != before {
		t.Fatal("setInterpreter should not record a patch when the name is unchanged")
	}
}

func TestSetInterpreterInPlaceWhenShorter(t *testing.T) {
	raw := fixture.Build(fixture.Config{Interp: "/lib64/ld-linux-x86-64.so.2"})
	im := mustElfImage(t, raw)
	p := im.FindProgType(elf.PT_INTERP)
	origOff := p.Offset
	if err := setInterpreter(im, nil, "/lib/ld.so"); err != nil {
		t.Fatalf("setInterpreter: %v", err)
	}
	// The image records patches instead of rewriting its raw bytes, so the
	// in-place write shows up as a pending patch at the old PT_INTERP offset.
	var written []byte
	for _, pt := range im.Patches() {
		if pt.Offset == origOff {
			written = pt.Data
		}
	}
	if p.Offset != origOff || p.Filesz != uint64(len("/lib/ld.so\x00")) {
		t.Fatalf("PT_INTERP offset/filesz = %#x/%d, want %#x/%d", p.Offset, p.Filesz, origOff, len("/lib/ld.so\x00"))
	}
	if string(written) != "/lib/ld.so\x00" {
		t.Fatalf("patch at PT_INTERP offset %#x = %q, want %q", origOff, written, "/lib/ld.so\x00")
	}
}

func TestSetInterpreterUsesMMWhenLonger(t *testing.T) {
	raw := fixture.Build(fixture.Config{Interp: "/lib/ld.so", SpareSlot: true})
	im := mustElfImage(t, raw)
	mgr, err := mm.New(im)
	if err != nil {
		t.Fatalf("mm.New: %v", err)
	}
	long := "/lib64/ld-linux-x86-64-with-a-very-long-name.so.2"
	if err := setInterpreter(im, mgr, long); err != nil {
		t.Fatalf("setInterpreter: %v", err)
	}
	if !mgr.Extended() {
		t.Fatal("expected the MM to have been extended for a longer interpreter")
	}
	if err := mgr.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
}
