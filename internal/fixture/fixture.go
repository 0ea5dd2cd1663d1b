// Package fixture builds minimal, valid ELF64 little-endian images in
// memory for elfpatch's tests, in the teacher's style of constructing test
// binaries programmatically rather than shipping checked-in samples (the
// teacher keeps base64-encoded Mach-O samples under internal/testdata/;
// elfpatch's fixtures are simple enough to build directly instead).
//
// Every fixture uses an identity file-offset/vaddr mapping (p_vaddr ==
// p_offset for every segment) purely to keep the arithmetic in test cases
// readable; elfpatch itself never assumes this.
package fixture

import (
	"encoding/binary"
)

const (
	pageSize = 0x1000
	ehSize   = 0x40
	phSize   = 56
	dynSize  = 16
	shSize   = 64
)

// Dyn is one requested dynamic-array entry.
type Dyn struct {
	Tag int64
	Val uint64 // used verbatim for non-string tags; ignored for Str entries
	Str string // when non-empty, Val is replaced with this string's strtab index
}

// Config describes the ELF image to build.
type Config struct {
	Interp string // PT_INTERP contents; empty means no PT_INTERP segment
	Dyn    []Dyn  // PT_DYNAMIC entries, DT_NULL appended automatically
	Needed []string

	NumLoads    int    // number of PT_LOAD segments (1, 2, or 3+); default 2
	SpareSlot   bool   // include one PT_NULL program header slot
	TrailingPad uint64 // bytes after the first PT_LOAD's body: split among the extra PT_LOADs when NumLoads > 1 (default one page each), outside every PT_LOAD when NumLoads == 1

	// Sections adds a section header table (.interp/.dynstr/.dynamic, as
	// applicable, plus .shstrtab) positioned after the last PT_LOAD's
	// content, exactly where every real linker puts it. Fixtures built
	// without this have no sections at all, exercising none of the
	// section-header-sync paths in strtab.go/dynseg.go/interp.go or the
	// e_shoff shift in mm.Dispatch.
	Sections bool
}

// shdrSpec describes one section header entry before its name and layout
// offsets are resolved.
type shdrSpec struct {
	name               string
	nameOff            uint32
	typ, flags         uint64
	addr, offset, size uint64
	link, info         uint32
	addralign, entsize uint64
}

// Build returns the raw bytes of the configured ELF64 LE image.
func Build(cfg Config) []byte {
	if cfg.NumLoads == 0 {
		cfg.NumLoads = 2
	}

	numPhdrs := cfg.NumLoads
	if cfg.Interp != "" {
		numPhdrs++
	}
	if len(cfg.Dyn) > 0 || len(cfg.Needed) > 0 {
		numPhdrs++ // PT_DYNAMIC
	}
	if cfg.SpareSlot {
		numPhdrs++
	}

	phoff := uint64(ehSize)
	cursor := phoff + uint64(numPhdrs)*phSize

	var body []byte
	appendBytes := func(b []byte) uint64 {
		off := cursor + uint64(len(body))
		body = append(body, b...)
		return off
	}

	var interpOff, interpLen uint64
	if cfg.Interp != "" {
		data := append([]byte(cfg.Interp), 0)
		interpOff = appendBytes(data)
		interpLen = uint64(len(data))
	}

	strtab := []byte{0}
	strIndex := map[string]uint64{"": 0}
	internString := func(s string) uint64 {
		if idx, ok := strIndex[s]; ok {
			return idx
		}
		idx := uint64(len(strtab))
		strtab = append(strtab, append([]byte(s), 0)...)
		strIndex[s] = idx
		return idx
	}
	for _, n := range cfg.Needed {
		internString(n)
	}
	for _, d := range cfg.Dyn {
		if d.Str != "" {
			internString(d.Str)
		}
	}
	var strtabOff uint64
	if len(strtab) > 1 {
		strtabOff = appendBytes(strtab)
	}

	var dynOff, dynLen uint64
	if len(cfg.Dyn) > 0 || len(cfg.Needed) > 0 {
		var dyn []byte
		putDyn := func(tag int64, val uint64) {
			b := make([]byte, dynSize)
			binary.LittleEndian.PutUint64(b[0:], uint64(tag))
			binary.LittleEndian.PutUint64(b[8:], val)
			dyn = append(dyn, b...)
		}
		for _, n := range cfg.Needed {
			putDyn(1 /* DT_NEEDED */, internString(n))
		}
		putDyn(5 /* DT_STRTAB */, strtabOff)
		for _, d := range cfg.Dyn {
			val := d.Val
			if d.Str != "" {
				val = internString(d.Str)
			}
			putDyn(d.Tag, val)
		}
		putDyn(0 /* DT_NULL */, 0)
		dynOff = appendBytes(dyn)
		dynLen = uint64(len(dyn))
	}

	bodyEnd := cursor + uint64(len(body))
	pad := cfg.TrailingPad
	if cfg.NumLoads > 1 && pad == 0 {
		pad = pageSize * uint64(cfg.NumLoads-1)
	}
	fileEnd := bodyEnd + pad

	// The section header table, when present, always sits after every
	// PT_LOAD's content — exactly where a real linker places it — so it
	// naturally falls at or after mm's insertion threshold and exercises
	// the e_shoff-shift path.
	var shdrs []shdrSpec
	var shstrtab []byte
	var shoff uint64
	totalLen := fileEnd
	if cfg.Sections {
		shdrs = append(shdrs, shdrSpec{}) // index 0: SHT_NULL

		dynstrIdx := -1
		if cfg.Interp != "" {
			shdrs = append(shdrs, shdrSpec{
				name: ".interp", typ: 1 /* SHT_PROGBITS */, flags: 2, /* SHF_ALLOC */
				addr: interpOff, offset: interpOff, size: interpLen, addralign: 1,
			})
		}
		if strtabOff > 0 {
			dynstrIdx = len(shdrs)
			shdrs = append(shdrs, shdrSpec{
				name: ".dynstr", typ: 3 /* SHT_STRTAB */, flags: 2, /* SHF_ALLOC */
				addr: strtabOff, offset: strtabOff, size: uint64(len(strtab)), addralign: 1,
			})
		}
		if dynLen > 0 {
			link := uint32(0)
			if dynstrIdx >= 0 {
				link = uint32(dynstrIdx)
			}
			shdrs = append(shdrs, shdrSpec{
				name: ".dynamic", typ: 6 /* SHT_DYNAMIC */, flags: 3, /* SHF_ALLOC|SHF_WRITE */
				addr: dynOff, offset: dynOff, size: dynLen, link: link, entsize: dynSize,
			})
		}
		shstrtabIdx := len(shdrs)
		shdrs = append(shdrs, shdrSpec{name: ".shstrtab", typ: 3 /* SHT_STRTAB */, addralign: 1})

		shstrtab = []byte{0}
		nameOff := make([]uint32, len(shdrs))
		for i, s := range shdrs {
			if s.name == "" {
				continue
			}
			nameOff[i] = uint32(len(shstrtab))
			shstrtab = append(shstrtab, append([]byte(s.name), 0)...)
		}
		shstrtabOff := fileEnd
		shdrs[shstrtabIdx].offset = shstrtabOff
		shdrs[shstrtabIdx].size = uint64(len(shstrtab))

		shoff = shstrtabOff + uint64(len(shstrtab))
		totalLen = shoff + uint64(len(shdrs))*shSize

		for i := range shdrs {
			shdrs[i].nameOff = nameOff[i]
		}
	}

	buf := make([]byte, ehSize)
	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(buf[0x10:], 2) // ET_EXEC
	binary.LittleEndian.PutUint16(buf[0x12:], 0x3e) // EM_X86_64
	binary.LittleEndian.PutUint32(buf[0x14:], 1)
	binary.LittleEndian.PutUint64(buf[0x20:], phoff)
	binary.LittleEndian.PutUint16(buf[0x34:], ehSize)
	binary.LittleEndian.PutUint16(buf[0x36:], phSize)
	binary.LittleEndian.PutUint16(buf[0x38:], uint16(numPhdrs))
	if cfg.Sections {
		binary.LittleEndian.PutUint64(buf[0x28:], shoff)
		binary.LittleEndian.PutUint16(buf[0x3a:], shSize)
		binary.LittleEndian.PutUint16(buf[0x3c:], uint16(len(shdrs)))
		binary.LittleEndian.PutUint16(buf[0x3e:], uint16(len(shdrs)-1))
	}

	raw := make([]byte, totalLen)
	copy(raw, buf)
	copy(raw[cursor:], body)

	phCursor := phoff
	putPhdr := func(typ, flags uint32, offset, filesz uint64, align uint64) {
		b := make([]byte, phSize)
		binary.LittleEndian.PutUint32(b[0:], typ)
		binary.LittleEndian.PutUint32(b[4:], flags)
		binary.LittleEndian.PutUint64(b[8:], offset)
		binary.LittleEndian.PutUint64(b[16:], offset) // vaddr == offset
		binary.LittleEndian.PutUint64(b[24:], offset) // paddr == offset
		binary.LittleEndian.PutUint64(b[32:], filesz)
		binary.LittleEndian.PutUint64(b[40:], filesz) // memsz == filesz
		binary.LittleEndian.PutUint64(b[48:], align)
		copy(raw[phCursor:], b)
		phCursor += phSize
	}

	// The first PT_LOAD always covers the whole header+interp+strtab+dynamic
	// body; any additional PT_LOADs are dummy trailing segments splitting the
	// padding region, used only to exercise the threshold-selection policy.
	putPhdr(1 /* PT_LOAD */, 5 /* R+X */, 0, bodyEnd, pageSize)
	if cfg.NumLoads > 1 {
		extra := cfg.NumLoads - 1
		chunk := pad / uint64(extra)
		off := bodyEnd
		for i := 0; i < extra; i++ {
			sz := chunk
			if i == extra-1 {
				sz = fileEnd - off
			}
			putPhdr(1 /* PT_LOAD */, 6 /* R+W */, off, sz, pageSize)
			off += sz
		}
	}
	if cfg.Interp != "" {
		putPhdr(3 /* PT_INTERP */, 4, interpOff, interpLen, 1)
	}
	if dynLen > 0 {
		putPhdr(2 /* PT_DYNAMIC */, 6, dynOff, dynLen, 8)
	}
	if cfg.SpareSlot {
		putPhdr(0 /* PT_NULL */, 0, 0, 0, 0)
	}

	if cfg.Sections {
		copy(raw[fileEnd:], shstrtab)

		shCursor := shoff
		for _, s := range shdrs {
			b := make([]byte, shSize)
			binary.LittleEndian.PutUint32(b[0:], s.nameOff)
			binary.LittleEndian.PutUint32(b[4:], uint32(s.typ))
			binary.LittleEndian.PutUint64(b[8:], s.flags)
			binary.LittleEndian.PutUint64(b[16:], s.addr)
			binary.LittleEndian.PutUint64(b[24:], s.offset)
			binary.LittleEndian.PutUint64(b[32:], s.size)
			binary.LittleEndian.PutUint32(b[40:], s.link)
			binary.LittleEndian.PutUint32(b[44:], s.info)
			binary.LittleEndian.PutUint64(b[48:], s.addralign)
			binary.LittleEndian.PutUint64(b[56:], s.entsize)
			copy(raw[shCursor:], b)
			shCursor += shSize
		}
	}

	return raw
}
