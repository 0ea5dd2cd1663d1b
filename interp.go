package elfpatch

import (
	"debug/elf"

	"github.com/appsworld/elfpatch/elfimg"
	"github.com/appsworld/elfpatch/mm"
)

// interpAlloc writes a new PT_INTERP body and repoints the segment (and
// .interp section, if present) at it. Used both for the in-place path
// (offset/vaddr chosen ahead of time, no MM allocation) and the MM-
// allocated path (offset/vaddr supplied by Dispatch).
type interpAlloc struct {
	im   *elfimg.Image
	mm   *mm.MM // nil on the in-place path, where Apply is called directly
	data []byte
}

func (a *interpAlloc) Apply(offset, vaddr uint64) {
	if a.mm != nil {
		a.mm.AddInlinePatch(offset, a.data)
	} else {
		a.im.Patch(offset, a.data)
	}

	p := a.im.FindProgType(elf.PT_INTERP)
	p.SetOffset(offset)
	p.SetVaddrPaddr(vaddr)
	p.SetSizes(uint64(len(a.data)))

	if s := a.im.FindSection(".interp"); s != nil {
		s.SetOffset(offset)
		s.SetAddr(vaddr)
		s.SetSize(uint64(len(a.data)))
	}
}

// setInterpreter rewrites PT_INTERP's contents to name, in place when the
// new string (with its NUL terminator) fits in the existing segment,
// otherwise via an MM allocation. A no-op if name already matches.
func setInterpreter(im *elfimg.Image, mmgr *mm.MM, name string) error {
	p := im.FindProgType(elf.PT_INTERP)
	if p == nil {
		warnf("no PT_INTERP segment; ignoring interpreter edit")
		return nil
	}

	oldBytes := im.Raw[p.Offset : p.Offset+p.Filesz]
	oldLen := len(oldBytes)
	for oldLen > 0 && oldBytes[oldLen-1] == 0 {
		oldLen--
	}

	newData := append([]byte(name), 0)
	if string(oldBytes[:oldLen]) == name {
		return nil
	}

	if uint64(len(newData)) <= p.Filesz {
		a := &interpAlloc{im: im, data: newData}
		a.Apply(p.Offset, p.Vaddr)
		return nil
	}

	a := &interpAlloc{im: im, mm: mmgr, data: newData}
	return mmgr.Malloc(uint64(len(newData)), a)
}
