package elfimg

import "debug/elf"

// SectionHeader is a mutable view of one ELF section header (Shdr) entry.
// elfpatch only ever rewrites .dynstr, .dynamic, and .interp's offset/addr/
// size, and the sh_offset of sections whose contents lie at or past the
// memory manager's insertion threshold, when the section header table is
// present; every other field is left bit-identical to the input.
type SectionHeader struct {
	im      *Image
	index   int
	fileOff uint64

	Name      string
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Addr      uint64
	Offset    uint64
	Size      uint64
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
}

func (s *SectionHeader) Index() int { return s.index }

// shdr64/shdr32 field byte offsets within one section header entry.
const (
	sh64Offset = 24
	sh64Addr   = 16
	sh64Size   = 32

	sh32Offset = 16
	sh32Addr   = 12
	sh32Size   = 20
)

func (s *SectionHeader) put32(fieldOff uint32, v uint32) {
	b := make([]byte, 4)
	s.im.order.PutUint32(b, v)
	s.im.Patch(s.fileOff+uint64(fieldOff), b)
}

func (s *SectionHeader) put64(fieldOff uint32, v uint64) {
	b := make([]byte, 8)
	s.im.order.PutUint64(b, v)
	s.im.Patch(s.fileOff+uint64(fieldOff), b)
}

// SetOffset rewrites sh_offset.
func (s *SectionHeader) SetOffset(v uint64) {
	s.Offset = v
	if s.im.Class == elf.ELFCLASS64 {
		s.put64(sh64Offset, v)
	} else {
		s.put32(sh32Offset, uint32(v))
	}
}

// SetAddr rewrites sh_addr.
func (s *SectionHeader) SetAddr(v uint64) {
	s.Addr = v
	if s.im.Class == elf.ELFCLASS64 {
		s.put64(sh64Addr, v)
	} else {
		s.put32(sh32Addr, uint32(v))
	}
}

// SetSize rewrites sh_size.
func (s *SectionHeader) SetSize(v uint64) {
	s.Size = v
	if s.im.Class == elf.ELFCLASS64 {
		s.put64(sh64Size, v)
	} else {
		s.put32(sh32Size, uint32(v))
	}
}
