package elfimg

import "debug/elf"

// ProgHeader is a mutable view of one ELF program header (Phdr) entry. Field
// values mirror the parsed debug/elf.ProgHeader; Set* methods additionally
// write the new value into the owning Image's pending-patch map at the
// field's exact byte offset within the on-disk header, matching the layout
// for the image's class (32 or 64-bit).
type ProgHeader struct {
	im      *Image
	index   int
	fileOff uint64 // absolute file offset of this header's first byte

	Type   elf.ProgType
	Flags  elf.ProgFlag
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// Index is this header's position in the program header table.
func (p *ProgHeader) Index() int { return p.index }

// FileOffset is the absolute offset of this header entry in the file (not
// to be confused with p.Offset, the segment's own file offset).
func (p *ProgHeader) FileOffset() uint64 { return p.fileOff }

// phdr64 field byte offsets within one Elf64_Phdr entry.
const (
	ph64Type   = 0
	ph64Flags  = 4
	ph64Offset = 8
	ph64Vaddr  = 16
	ph64Paddr  = 24
	ph64Filesz = 32
	ph64Memsz  = 40
	ph64Align  = 48
)

// phdr32 field byte offsets within one Elf32_Phdr entry.
const (
	ph32Type   = 0
	ph32Offset = 4
	ph32Vaddr  = 8
	ph32Paddr  = 12
	ph32Filesz = 16
	ph32Memsz  = 20
	ph32Flags  = 24
	ph32Align  = 28
)

func (p *ProgHeader) put32(fieldOff uint32, v uint32) {
	b := make([]byte, 4)
	p.im.order.PutUint32(b, v)
	p.im.Patch(p.fileOff+uint64(fieldOff), b)
}

func (p *ProgHeader) put64(fieldOff uint32, v uint64) {
	b := make([]byte, 8)
	p.im.order.PutUint64(b, v)
	p.im.Patch(p.fileOff+uint64(fieldOff), b)
}

// SetType rewrites p_type, e.g. claiming an unused PT_NULL slot as PT_LOAD.
func (p *ProgHeader) SetType(t elf.ProgType) {
	p.Type = t
	if p.im.Class == elf.ELFCLASS64 {
		p.put32(ph64Type, uint32(t))
	} else {
		p.put32(ph32Type, uint32(t))
	}
}

// SetFlags rewrites p_flags.
func (p *ProgHeader) SetFlags(f elf.ProgFlag) {
	p.Flags = f
	if p.im.Class == elf.ELFCLASS64 {
		p.put32(ph64Flags, uint32(f))
	} else {
		p.put32(ph32Flags, uint32(f))
	}
}

// SetOffset rewrites p_offset.
func (p *ProgHeader) SetOffset(off uint64) {
	p.Offset = off
	if p.im.Class == elf.ELFCLASS64 {
		p.put64(ph64Offset, off)
	} else {
		p.put32(ph32Offset, uint32(off))
	}
}

// SetVaddrPaddr rewrites both p_vaddr and p_paddr to the same value, which
// is always how elfpatch's own allocations are placed (identity-mapped,
// matching how the kernel loader treats them for non-PIE and PIE alike).
func (p *ProgHeader) SetVaddrPaddr(v uint64) {
	p.Vaddr = v
	p.Paddr = v
	if p.im.Class == elf.ELFCLASS64 {
		p.put64(ph64Vaddr, v)
		p.put64(ph64Paddr, v)
	} else {
		p.put32(ph32Vaddr, uint32(v))
		p.put32(ph32Paddr, uint32(v))
	}
}

// SetFilesz rewrites p_filesz.
func (p *ProgHeader) SetFilesz(v uint64) {
	p.Filesz = v
	if p.im.Class == elf.ELFCLASS64 {
		p.put64(ph64Filesz, v)
	} else {
		p.put32(ph32Filesz, uint32(v))
	}
}

// SetMemsz rewrites p_memsz.
func (p *ProgHeader) SetMemsz(v uint64) {
	p.Memsz = v
	if p.im.Class == elf.ELFCLASS64 {
		p.put64(ph64Memsz, v)
	} else {
		p.put32(ph32Memsz, uint32(v))
	}
}

// SetAlign rewrites p_align.
func (p *ProgHeader) SetAlign(v uint64) {
	p.Align = v
	if p.im.Class == elf.ELFCLASS64 {
		p.put64(ph64Align, v)
	} else {
		p.put32(ph32Align, uint32(v))
	}
}

// SetSizes is a convenience for the common case of growing a segment
// in place: filesz and memsz are set to the same value.
func (p *ProgHeader) SetSizes(v uint64) {
	p.SetFilesz(v)
	p.SetMemsz(v)
}
