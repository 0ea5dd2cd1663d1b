// Package elfimg provides a mutable read/write view over an ELF file: the
// structural enumeration (program headers, section headers, dynamic tags,
// offset<->vaddr translation) that elfpatch's editors consult and mutate.
//
// Structural parsing is delegated to the standard library's debug/elf
// (class, byte order, the segment and section lists and their field
// values). debug/elf hands back parsed, immutable Go values with no path
// back to the byte offset they came from, so the position of every program
// and section header entry is computed from e_phoff/e_shoff read directly
// from the raw header, and the dynamic tags are read directly from the raw
// file bytes. Mutations are recorded in a pending-patch map
// keyed by absolute file offset, exactly as spec'd; nothing is written to
// disk until a Writer applies the patches (see writer.go).
package elfimg

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
)

const PageSize = 0x1000

// Image is a read/write view over one ELF file's bytes.
type Image struct {
	Raw       []byte
	Class     elf.Class
	ByteOrder elf.Data
	order     binary.ByteOrder

	progs    []*ProgHeader
	sections []*SectionHeader
	dynTags  []*DynTag

	phoff     uint64 // e_phoff
	phentsize uint64
	phnum     int
	shoff     uint64 // e_shoff
	shentsize uint64
	shnum     int

	dynamic *ProgHeader // the PT_DYNAMIC program header, nil if absent

	patches map[uint64][]byte // file_offset -> bytes, populated by header mutations
}

// Open reads the entire file at path and builds an Image over it.
func Open(path string) (*Image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("elfimg: read %s: %w", path, err)
	}
	return NewImage(raw)
}

// NewImage parses raw as an ELF file.
func NewImage(raw []byte) (*Image, error) {
	ef, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("elfimg: not an ELF file: %w", err)
	}
	defer ef.Close()

	im := &Image{
		Raw:       raw,
		Class:     ef.Class,
		ByteOrder: ef.Data,
		patches:   make(map[uint64][]byte),
	}
	im.order = orderFor(ef.Data)

	switch ef.Class {
	case elf.ELFCLASS64:
		im.phoff = ef.FileHeader.ByteOrder.Uint64(raw[0x20:])
		im.phentsize = uint64(ef.FileHeader.ByteOrder.Uint16(raw[0x36:]))
		im.phnum = int(ef.FileHeader.ByteOrder.Uint16(raw[0x38:]))
		im.shoff = ef.FileHeader.ByteOrder.Uint64(raw[0x28:])
		im.shentsize = uint64(ef.FileHeader.ByteOrder.Uint16(raw[0x3a:]))
		im.shnum = int(ef.FileHeader.ByteOrder.Uint16(raw[0x3c:]))
	case elf.ELFCLASS32:
		im.phoff = uint64(ef.FileHeader.ByteOrder.Uint32(raw[0x1c:]))
		im.phentsize = uint64(ef.FileHeader.ByteOrder.Uint16(raw[0x2a:]))
		im.phnum = int(ef.FileHeader.ByteOrder.Uint16(raw[0x2c:]))
		im.shoff = uint64(ef.FileHeader.ByteOrder.Uint32(raw[0x20:]))
		im.shentsize = uint64(ef.FileHeader.ByteOrder.Uint16(raw[0x2e:]))
		im.shnum = int(ef.FileHeader.ByteOrder.Uint16(raw[0x30:]))
	default:
		return nil, fmt.Errorf("elfimg: unsupported ELF class %v", ef.Class)
	}

	for i, p := range ef.Progs {
		fileOff := im.phoff + uint64(i)*im.phentsize
		im.progs = append(im.progs, &ProgHeader{
			im:      im,
			index:   i,
			fileOff: fileOff,
			Type:    p.Type,
			Flags:   p.Flags,
			Offset:  p.Off,
			Vaddr:   p.Vaddr,
			Paddr:   p.Paddr,
			Filesz:  p.Filesz,
			Memsz:   p.Memsz,
			Align:   p.Align,
		})
		if p.Type == elf.PT_DYNAMIC {
			im.dynamic = im.progs[len(im.progs)-1]
		}
	}

	for i, s := range ef.Sections {
		fileOff := im.shoff + uint64(i)*im.shentsize
		im.sections = append(im.sections, &SectionHeader{
			im:        im,
			index:     i,
			fileOff:   fileOff,
			Name:      s.Name,
			Type:      s.Type,
			Flags:     s.Flags,
			Addr:      s.Addr,
			Offset:    s.Offset,
			Size:      s.Size,
			Link:      s.Link,
			Info:      s.Info,
			Addralign: s.Addralign,
			Entsize:   s.Entsize,
		})
	}

	if im.dynamic != nil {
		if err := im.parseDynamicTags(); err != nil {
			return nil, err
		}
	}

	return im, nil
}

func (im *Image) parseDynamicTags() error {
	entsize := uint64(16)
	if im.Class == elf.ELFCLASS32 {
		entsize = 8
	}
	off := im.dynamic.Offset
	end := off + im.dynamic.Filesz
	if end > uint64(len(im.Raw)) {
		return fmt.Errorf("elfimg: PT_DYNAMIC range [%#x,%#x) exceeds file size %#x", off, end, len(im.Raw))
	}
	for cur := off; cur+entsize <= end; cur += entsize {
		var tag int64
		var val uint64
		if im.Class == elf.ELFCLASS64 {
			tag = int64(im.order.Uint64(im.Raw[cur:]))
			val = im.order.Uint64(im.Raw[cur+8:])
		} else {
			tag = int64(int32(im.order.Uint32(im.Raw[cur:])))
			val = uint64(im.order.Uint32(im.Raw[cur+4:]))
		}
		im.dynTags = append(im.dynTags, &DynTag{
			im:      im,
			fileOff: cur,
			Tag:     elf.DynTag(tag),
			Val:     val,
		})
		if elf.DynTag(tag) == elf.DT_NULL {
			break
		}
	}
	return nil
}

// Progs returns the program headers in file order.
func (im *Image) Progs() []*ProgHeader { return im.progs }

// Sections returns the section headers in file order, or nil if the file
// carries no section header table.
func (im *Image) Sections() []*SectionHeader { return im.sections }

// DynTags returns the dynamic tags in file order, or nil if the file has no
// PT_DYNAMIC segment.
func (im *Image) DynTags() []*DynTag { return im.dynTags }

// Dynamic returns the PT_DYNAMIC program header, or nil if absent.
func (im *Image) Dynamic() *ProgHeader { return im.dynamic }

// FindProgType returns the first program header of the given type, or nil.
func (im *Image) FindProgType(t elf.ProgType) *ProgHeader {
	for _, p := range im.progs {
		if p.Type == t {
			return p
		}
	}
	return nil
}

// FindDynTag returns the first dynamic tag with the given tag value, or nil.
func (im *Image) FindDynTag(tag elf.DynTag) *DynTag {
	for _, d := range im.dynTags {
		if d.Tag == tag {
			return d
		}
	}
	return nil
}

// FindSection returns the section header with the given name, or nil.
func (im *Image) FindSection(name string) *SectionHeader {
	for _, s := range im.sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// OffsetFromVMA translates a virtual address to a file offset using the
// PT_LOAD segment that contains it.
func (im *Image) OffsetFromVMA(vaddr uint64) (uint64, error) {
	for _, p := range im.progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if vaddr >= p.Vaddr && vaddr < p.Vaddr+p.Memsz {
			return p.Offset + (vaddr - p.Vaddr), nil
		}
	}
	return 0, fmt.Errorf("elfimg: vaddr %#x not covered by any PT_LOAD", vaddr)
}

// HighestVMA returns the highest address (vaddr+memsz) among all PT_LOAD
// segments, used by the memory manager to place a new segment above
// everything else in the address space.
func (im *Image) HighestVMA() uint64 {
	var max uint64
	for _, p := range im.progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if end := p.Vaddr + p.Memsz; end > max {
			max = end
		}
	}
	return max
}

// LoadSegments returns the PT_LOAD program headers in file order.
func (im *Image) LoadSegments() []*ProgHeader {
	var out []*ProgHeader
	for _, p := range im.progs {
		if p.Type == elf.PT_LOAD {
			out = append(out, p)
		}
	}
	return out
}

// SectionHeaderOffset returns e_shoff, the file offset of the section
// header table (0 if the file carries none).
func (im *Image) SectionHeaderOffset() uint64 { return im.shoff }

// SectionHeaderCount returns e_shnum.
func (im *Image) SectionHeaderCount() int { return im.shnum }

// PatchShoff records a patch rewriting e_shoff to newOff. The memory
// manager calls this when the file is extended and the section header
// table — which a linker places after every PT_LOAD's content, at or past
// the insertion threshold — is pushed back by the inserted region; otherwise e_shoff would keep pointing at bytes
// that now hold shifted suffix content instead of the section table.
func (im *Image) PatchShoff(newOff uint64) {
	if im.Class == elf.ELFCLASS64 {
		b := make([]byte, 8)
		im.order.PutUint64(b, newOff)
		im.Patch(0x28, b)
	} else {
		b := make([]byte, 4)
		im.order.PutUint32(b, uint32(newOff))
		im.Patch(0x20, b)
	}
}

// Patch records a raw byte write at an absolute, pre-extension file offset.
// These are the "ELF view" header patches described by the spec: positions
// computed while parsing, which the writer must shift if the file was later
// extended.
func (im *Image) Patch(offset uint64, data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	im.patches[offset] = buf
}

// Patches returns the accumulated header patches, sorted by offset for
// deterministic output.
func (im *Image) Patches() []Patch {
	out := make([]Patch, 0, len(im.patches))
	for off, data := range im.patches {
		out = append(out, Patch{Offset: off, Data: data})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

// Patch is a single pending write at an absolute pre-extension file offset.
type Patch struct {
	Offset uint64
	Data   []byte
}

// ReadAt implements io.ReaderAt over the original (pre-patch) file bytes,
// which editors use to inspect current contents (e.g. reconstructing the
// dynamic string table) before deciding what to append.
func (im *Image) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(im.Raw)) {
		return 0, io.EOF
	}
	n := copy(p, im.Raw[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// CString reads a NUL-terminated string starting at the given file offset.
func (im *Image) CString(off uint64) (string, error) {
	if off >= uint64(len(im.Raw)) {
		return "", fmt.Errorf("elfimg: offset %#x past end of file", off)
	}
	end := off
	for end < uint64(len(im.Raw)) && im.Raw[end] != 0 {
		end++
	}
	if end >= uint64(len(im.Raw)) {
		return "", fmt.Errorf("elfimg: unterminated string at offset %#x", off)
	}
	return string(im.Raw[off:end]), nil
}

func orderFor(d elf.Data) binary.ByteOrder {
	if d == elf.ELFDATA2MSB {
		return binary.BigEndian
	}
	return binary.LittleEndian
}
