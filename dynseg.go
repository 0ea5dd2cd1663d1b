package elfpatch

import (
	"debug/elf"

	"github.com/appsworld/elfpatch/elfimg"
	"github.com/appsworld/elfpatch/mm"
)

// appendedTag is a DT_RUNPATH/DT_RPATH tag that did not exist in the input
// and must be spliced into PT_DYNAMIC before DT_NULL. Its d_val is filled
// in by a StrtabCallback once the string table editor has placed the tag's
// string, which is why the strtab allocation must be registered before the
// PT_DYNAMIC expansion allocation (see dynsegEditor.Finalize and
// Patcher.Save): Dispatch must run the strtab callback first.
type appendedTag struct {
	tag elf.DynTag
	val uint64
}

type appendedTagCallback struct{ at *appendedTag }

func (c *appendedTagCallback) Apply(index uint64) { c.at.val = index }

type existingTagCallback struct{ tag *elfimg.DynTag }

func (c *existingTagCallback) Apply(index uint64) { c.tag.SetVal(index) }

// dynsegEditor mutates PT_DYNAMIC: existing SONAME/RUNPATH/RPATH tag values
// in place, new tags appended when the input lacks one, and the whole
// dynamic array relocated if it grew. Grounded in
// other_examples/yalue-elf32_string_replace's replaceDynamicTableStrings,
// which performs the same "patch or append, then relocate" sequence over
// DT_NEEDED/DT_SONAME/DT_RPATH tags.
type dynsegEditor struct {
	im      *elfimg.Image
	strtab  *strtabEditor
	appended []*appendedTag
}

func newDynsegEditor(im *elfimg.Image, strtab *strtabEditor) *dynsegEditor {
	return &dynsegEditor{im: im, strtab: strtab}
}

// SetSoname requests a rewrite of DT_SONAME's string. A missing DT_SONAME
// is not synthesized — the edit is discarded with a warning, mirroring
// setInterpreter's treatment of a missing PT_INTERP.
func (e *dynsegEditor) SetSoname(name string) error {
	d := e.im.FindDynTag(elf.DT_SONAME)
	if d == nil {
		warnf("Entry DT_SONAME not found, not a shared library?")
		return nil
	}
	return e.strtab.Request(name, &existingTagCallback{tag: d})
}

// SetRunpath requests a rewrite of the DT_RUNPATH or DT_RPATH tag (per
// useRpath) to name. If the tag is absent, a new one is synthesized and
// queued for appending to PT_DYNAMIC.
func (e *dynsegEditor) SetRunpath(name string, useRpath bool) error {
	tagID := elf.DT_RUNPATH
	if useRpath {
		tagID = elf.DT_RPATH
	}
	if d := e.im.FindDynTag(tagID); d != nil {
		return e.strtab.Request(name, &existingTagCallback{tag: d})
	}
	at := &appendedTag{tag: tagID}
	e.appended = append(e.appended, at)
	return e.strtab.Request(name, &appendedTagCallback{at: at})
}

// Finalize registers the PT_DYNAMIC expansion with mmgr if any tags were
// appended. Must be called after the caller has already registered the
// string-table editor's Finalize with the same mmgr, so the strtab
// allocation dispatches first and every appended tag's val is populated
// before this allocation's callback serializes the dynamic array.
func (e *dynsegEditor) Finalize(mmgr *mm.MM) error {
	if len(e.appended) == 0 {
		return nil
	}
	tags := e.im.DynTags()
	if len(tags) == 0 {
		return &StructuralError{Reason: "cannot append dynamic tags: no PT_DYNAMIC entries"}
	}
	entsize := elfimg.DynEntSize(e.im)
	n := uint64(len(tags)-1+len(e.appended)+1) * entsize

	alloc := &dynsegAlloc{im: e.im, mm: mmgr, existing: tags, appended: e.appended}
	return mmgr.Malloc(n, alloc)
}

type dynsegAlloc struct {
	im       *elfimg.Image
	mm       *mm.MM
	existing []*elfimg.DynTag
	appended []*appendedTag
}

func (a *dynsegAlloc) Apply(offset, vaddr uint64) {
	var buf []byte
	for _, d := range a.existing[:len(a.existing)-1] {
		buf = append(buf, elfimg.EncodeTag(a.im, d.Tag, d.Val)...)
	}
	for _, at := range a.appended {
		buf = append(buf, elfimg.EncodeTag(a.im, at.tag, at.val)...)
	}
	buf = append(buf, elfimg.EncodeTag(a.im, elf.DT_NULL, 0)...)

	a.mm.AddInlinePatch(offset, buf)

	dyn := a.im.Dynamic()
	dyn.SetOffset(offset)
	dyn.SetVaddrPaddr(vaddr)
	dyn.SetSizes(uint64(len(buf)))

	if s := a.im.FindSection(".dynamic"); s != nil {
		s.SetOffset(offset)
		s.SetAddr(vaddr)
		s.SetSize(uint64(len(buf)))
	}
}
