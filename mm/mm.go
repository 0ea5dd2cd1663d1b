// Package mm is elfpatch's memory manager: it decides where newly patched
// bytes live in the output file, tracks the resulting file extension, and
// translates offsets computed before the extension into their post-
// extension positions. Grounded in the remap-then-write structure of
// blacktop-go-macho's File.Export (file.go), narrowed to ELF's simpler
// problem of a single optional PT_LOAD insertion rather than a general
// N-segment remap.
package mm

import (
	"debug/elf"
	"fmt"
	"sort"

	"github.com/appsworld/elfpatch/elfimg"
)

// AllocCallback is fired once, during Dispatch, with the final offset and
// vaddr assigned to a reservation. Implementations are typed records
// carrying exactly the fields they need to patch, not closures: this keeps
// the order callbacks run in explicit and auditable, which matters because
// the dynamic-segment editor depends on the string-table editor's callback
// having already run (see dynseg.go).
type AllocCallback interface {
	Apply(offset, vaddr uint64)
}

type request struct {
	size uint64
	cb   AllocCallback
}

// MM allocates space for an ELF file extension. One MM is created per
// Patcher.Save call, over a freshly parsed elfimg.Image.
type MM struct {
	im *elfimg.Image

	threshold uint64 // file offset where new bytes are spliced in
	used      uint64 // bytes reserved so far within the extension region
	baseVaddr uint64 // vaddr of the extension region's first byte

	newLoad     *elfimg.ProgHeader
	claimedSlot bool // true: newLoad was an unused PT_NULL slot; false: an existing trailing PT_LOAD extended in place

	pending       []request
	inlinePatches map[uint64][]byte
}

// New computes the insertion threshold from the input's PT_LOAD layout and
// returns an MM ready to accept Malloc calls. It does not yet decide where
// the new segment's bytes will live — that is deferred until the first
// Malloc, since a Patcher that makes no allocations must leave the input's
// program header table untouched.
func New(im *elfimg.Image) (*MM, error) {
	loads := im.LoadSegments()
	if len(loads) == 0 {
		return nil, &StructuralError{Reason: "input has no PT_LOAD segments"}
	}

	var threshold uint64
	if len(loads) == 2 {
		threshold = loads[1].Offset + loads[1].Filesz
	} else {
		last := loads[len(loads)-1]
		threshold = last.Offset + last.Filesz
	}

	return &MM{im: im, threshold: threshold, inlinePatches: make(map[uint64][]byte)}, nil
}

// Threshold is the file offset at and after which existing bytes are
// shifted by ExtendSize() in the output.
func (mm *MM) Threshold() uint64 { return mm.threshold }

// Extended reports whether any allocation has been made.
func (mm *MM) Extended() bool { return mm.newLoad != nil }

// ExtendSize is the current size of the inserted region, rounded up to a
// page multiple.
func (mm *MM) ExtendSize() uint64 {
	if mm.newLoad == nil {
		return 0
	}
	return roundUpPage(mm.used)
}

// ExtendedOffset translates a pre-extension absolute file offset (computed
// while parsing the input) into its position in the output file.
func (mm *MM) ExtendedOffset(p uint64) uint64 {
	if mm.newLoad == nil || p < mm.threshold {
		return p
	}
	return p + mm.ExtendSize()
}

// Malloc reserves size bytes in the extension region and registers cb to
// receive the final offset/vaddr during Dispatch. Callers must invoke
// Malloc in the order their allocations should be laid out and, where one
// allocation's callback must observe another's effect (dynseg after
// strtab), in the order those effects must become visible.
func (mm *MM) Malloc(size uint64, cb AllocCallback) error {
	if err := mm.ensureLoadSegment(); err != nil {
		return err
	}
	mm.pending = append(mm.pending, request{size: size, cb: cb})
	mm.used += size
	return nil
}

// ensureLoadSegment picks, on first use, which program header will describe
// the new region: an unused PT_NULL slot claimed as PT_LOAD (preferred, so
// existing segments are left untouched), or the last PT_LOAD extended in
// place when no free slot exists and that segment already ends at EOF.
func (mm *MM) ensureLoadSegment() error {
	if mm.newLoad != nil {
		return nil
	}

	for _, p := range mm.im.Progs() {
		if p.Type == elf.PT_NULL {
			mm.newLoad = p
			mm.claimedSlot = true
			break
		}
	}

	if mm.newLoad == nil {
		loads := mm.im.LoadSegments()
		last := loads[len(loads)-1]
		if last.Offset+last.Filesz != uint64(len(mm.im.Raw)) {
			return &StructuralError{Reason: "no free program header slot and trailing PT_LOAD does not end at EOF"}
		}
		mm.newLoad = last
		mm.claimedSlot = false
		// Growing this segment in place: the new bytes continue directly from
		// where its current content ends, not at a fresh page-aligned base.
		mm.baseVaddr = last.Vaddr + (mm.threshold - last.Offset)
		return nil
	}

	highest := mm.im.HighestVMA()
	base := roundUpPage(highest)
	delta := mm.threshold % elfimg.PageSize
	if base%elfimg.PageSize != delta {
		base += delta
		if base < highest {
			base += elfimg.PageSize
		}
	}
	mm.baseVaddr = base
	return nil
}

// AddInlinePatch registers a post-allocation write at an already-extended
// (post-extension) file offset. Allocation callbacks use this to record the
// bytes they materialize, as opposed to elfimg.Image.Patch, which records
// header rewrites at pre-extension offsets that the writer must still shift.
func (mm *MM) AddInlinePatch(offset uint64, data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	mm.inlinePatches[offset] = buf
}

// InlinePatches returns the accumulated inline patches, sorted by offset.
func (mm *MM) InlinePatches() []elfimg.Patch {
	out := make([]elfimg.Patch, 0, len(mm.inlinePatches))
	for off, data := range mm.inlinePatches {
		out = append(out, elfimg.Patch{Offset: off, Data: data})
	}
	sortPatches(out)
	return out
}

// Dispatch assigns final offsets/vaddrs to every reservation, fires each
// callback in allocation order, rewrites the chosen program header to
// describe the finished region, and shifts the sh_offset of sections and
// e_shoff that lie at or past the threshold.
func (mm *MM) Dispatch() error {
	if mm.newLoad == nil {
		return nil
	}

	size := roundUpPage(mm.used)

	// Section contents at or past the threshold move back by size bytes in
	// the output, so their sh_offset follows; the callbacks below then set
	// final values for the sections they relocate.
	for _, s := range mm.im.Sections() {
		if s.Offset >= mm.threshold {
			s.SetOffset(s.Offset + size)
		}
	}

	offset := mm.threshold
	vaddr := mm.baseVaddr
	for _, r := range mm.pending {
		r.cb.Apply(offset, vaddr)
		offset += r.size
		vaddr += r.size
	}

	if mm.claimedSlot {
		mm.newLoad.SetType(elf.PT_LOAD)
		mm.newLoad.SetFlags(elf.PF_R | elf.PF_W)
		mm.newLoad.SetOffset(mm.threshold)
		mm.newLoad.SetVaddrPaddr(mm.baseVaddr)
		mm.newLoad.SetSizes(size)
		mm.newLoad.SetAlign(elfimg.PageSize)
	} else {
		mm.newLoad.SetSizes(mm.newLoad.Filesz + size)
	}

	// A linker places the section header table after every PT_LOAD's
	// content; when it lies at or past the threshold, the inserted region
	// pushes it back by size bytes and
	// e_shoff must follow or it points at shifted suffix bytes instead of
	// the section table.
	if mm.im.SectionHeaderCount() > 0 && mm.im.SectionHeaderOffset() >= mm.threshold {
		mm.im.PatchShoff(mm.im.SectionHeaderOffset() + size)
	}

	return nil
}

func sortPatches(p []elfimg.Patch) {
	sort.Slice(p, func(i, j int) bool { return p[i].Offset < p[j].Offset })
}

func roundUpPage(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	return (n + elfimg.PageSize - 1) &^ (elfimg.PageSize - 1)
}

// StructuralError reports that the input's layout has no room for the
// requested edit: no PT_LOAD segments at all, or no way to place the
// extension (no free program header slot and no extendable trailing
// PT_LOAD).
type StructuralError struct {
	Reason string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("elfpatch: structural error: %s", e.Reason)
}
