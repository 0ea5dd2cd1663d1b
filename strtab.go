package elfpatch

import (
	"debug/elf"

	"github.com/appsworld/elfpatch/elfimg"
	"github.com/appsworld/elfpatch/mm"
)

// StrtabCallback receives the final DT_STRTAB index assigned to a requested
// string, once that string's location is known — either immediately,
// because it already occurs in the table, or after Finalize appends it.
type StrtabCallback interface {
	Apply(index uint64)
}

type pendingString struct {
	str string
	cb  StrtabCallback
}

// strtabEditor deduplicates requested strings against the existing
// DT_STRTAB and batches the ones that must be appended. Grounded in
// other_examples' yalue-elf32_string_replace, which performs the same
// read-existing/append-only/patch-every-reference operation over an ELF
// string table; narrowed here to the handful of fields elfpatch rewrites.
type strtabEditor struct {
	im      *elfimg.Image
	base    []byte
	baseErr error
	loaded  bool

	pending []pendingString
}

func newStrtabEditor(im *elfimg.Image) *strtabEditor {
	return &strtabEditor{im: im}
}

func (e *strtabEditor) ensureBase() ([]byte, error) {
	if !e.loaded {
		e.base, e.baseErr = e.im.StrtabBytes()
		e.loaded = true
	}
	return e.base, e.baseErr
}

// Request looks up str in the reconstructed DT_STRTAB. If present, cb fires
// immediately with its existing index. Otherwise str is queued for
// appending when Finalize runs; a DT_STRTAB that cannot be located is
// reported by Finalize as a StructuralError.
func (e *strtabEditor) Request(str string, cb StrtabCallback) error {
	if base, err := e.ensureBase(); err == nil {
		if idx, ok := findString(base, str); ok {
			cb.Apply(uint64(idx))
			return nil
		}
	}
	e.pending = append(e.pending, pendingString{str: str, cb: cb})
	return nil
}

// findString returns the index of a NUL-terminated occurrence of str within
// s, i.e. one bounded by the start of the table or a preceding NUL, so a
// match can never start mid-string.
func findString(s []byte, str string) (int, bool) {
	needle := str + "\x00"
	for i := 0; i+len(needle) <= len(s); i++ {
		if i != 0 && s[i-1] != 0 {
			continue
		}
		if string(s[i:i+len(needle)]) == needle {
			return i, true
		}
	}
	return -1, false
}

// Finalize registers one allocation for every queued string with mmgr, a
// no-op if nothing was queued. The allocation's callback rebuilds the table,
// fires every pending caller's callback with its new index, and repoints
// DT_STRTAB (and .dynstr, if a section header table is present) at it.
func (e *strtabEditor) Finalize(mmgr *mm.MM) error {
	if len(e.pending) == 0 {
		return nil
	}
	base, err := e.ensureBase()
	if err != nil {
		return &StructuralError{Reason: "cannot locate DT_STRTAB to append new strings: " + err.Error()}
	}

	need := uint64(len(base))
	for _, p := range e.pending {
		need += uint64(len(p.str)) + 1
	}

	alloc := &strtabAlloc{im: e.im, mm: mmgr, base: base, pending: e.pending}
	return mmgr.Malloc(need, alloc)
}

type strtabAlloc struct {
	im      *elfimg.Image
	mm      *mm.MM
	base    []byte
	pending []pendingString
}

func (a *strtabAlloc) Apply(offset, vaddr uint64) {
	buf := make([]byte, 0, len(a.base)+len(a.pending)*8)
	buf = append(buf, a.base...)
	indices := make([]uint64, len(a.pending))
	for i, p := range a.pending {
		indices[i] = uint64(len(buf))
		buf = append(buf, []byte(p.str)...)
		buf = append(buf, 0)
	}

	a.mm.AddInlinePatch(offset, buf)

	if d := a.im.FindDynTag(elf.DT_STRTAB); d != nil {
		d.SetVal(vaddr)
	}
	if s := a.im.FindSection(".dynstr"); s != nil {
		s.SetOffset(offset)
		s.SetAddr(vaddr)
		s.SetSize(uint64(len(buf)))
	}

	for i, p := range a.pending {
		p.cb.Apply(indices[i])
	}
}
