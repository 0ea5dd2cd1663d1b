package elfimg

import (
	"fmt"
	"unicode"

	"debug/elf"
)

// StrtabBytes reconstructs the bytes of DT_STRTAB using the documented
// heuristic: start scanning at the string table's file offset and read
// forward until a byte is neither printable ASCII nor NUL. The dynamic tag
// only records a start address, not a length, so this is inherently
// approximate — it will misread a string table that ends immediately
// adjacent to arbitrary binary data. Preserved verbatim because every
// existing strtab index must continue to resolve against exactly this
// reconstruction after an edit (see strtab.go's append-only policy).
func (im *Image) StrtabBytes() ([]byte, error) {
	d := im.FindDynTag(elf.DT_STRTAB)
	if d == nil {
		return nil, fmt.Errorf("elfimg: no DT_STRTAB entry")
	}
	off, err := im.OffsetFromVMA(d.Val)
	if err != nil {
		return nil, fmt.Errorf("elfimg: DT_STRTAB: %w", err)
	}
	end := off
	for end < uint64(len(im.Raw)) {
		b := im.Raw[end]
		if b != 0 && (b > unicode.MaxASCII || !isPrintableOrNUL(b)) {
			break
		}
		end++
	}
	return im.Raw[off:end], nil
}

func isPrintableOrNUL(b byte) bool {
	if b == 0 {
		return true
	}
	return b >= 0x20 && b < 0x7f
}

// DynStringAt reads a NUL-terminated string at the given index into
// DT_STRTAB's reconstructed bytes.
func (im *Image) DynStringAt(strtab []byte, index uint64) (string, error) {
	if index >= uint64(len(strtab)) {
		return "", fmt.Errorf("elfimg: strtab index %d out of range (len %d)", index, len(strtab))
	}
	end := index
	for end < uint64(len(strtab)) && strtab[end] != 0 {
		end++
	}
	return string(strtab[index:end]), nil
}

// DynString resolves the string-valued dynamic tag (DT_SONAME, DT_RUNPATH,
// DT_RPATH, ...) identified by tag, or ("", false) if the tag is absent.
func (im *Image) DynString(tag elf.DynTag) (string, bool, error) {
	d := im.FindDynTag(tag)
	if d == nil {
		return "", false, nil
	}
	strtab, err := im.StrtabBytes()
	if err != nil {
		return "", false, err
	}
	s, err := im.DynStringAt(strtab, d.Val)
	if err != nil {
		return "", false, err
	}
	return s, true, nil
}

// NeededNames returns the DT_NEEDED list in file order.
func (im *Image) NeededNames() ([]string, error) {
	strtab, err := im.StrtabBytes()
	if err != nil {
		if len(im.dynTagsOfType(elf.DT_NEEDED)) == 0 {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, d := range im.dynTagsOfType(elf.DT_NEEDED) {
		s, err := im.DynStringAt(strtab, d.Val)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (im *Image) dynTagsOfType(tag elf.DynTag) []*DynTag {
	var out []*DynTag
	for _, d := range im.dynTags {
		if d.Tag == tag {
			out = append(out, d)
		}
	}
	return out
}

// Interpreter returns PT_INTERP's contents (without the trailing NUL), or
// ("", false) if the file has no PT_INTERP segment.
func (im *Image) Interpreter() (string, bool, error) {
	p := im.FindProgType(elf.PT_INTERP)
	if p == nil {
		return "", false, nil
	}
	if p.Offset+p.Filesz > uint64(len(im.Raw)) {
		return "", false, fmt.Errorf("elfimg: PT_INTERP range exceeds file size")
	}
	data := im.Raw[p.Offset : p.Offset+p.Filesz]
	n := len(data)
	for n > 0 && data[n-1] == 0 {
		n--
	}
	return string(data[:n]), true, nil
}
