package elfimg

import "debug/elf"

// DynTag is a mutable view of one entry in the dynamic array (PT_DYNAMIC).
type DynTag struct {
	im      *Image
	fileOff uint64

	Tag elf.DynTag
	Val uint64
}

// FileOffset is the absolute offset of this tag's entry in the file.
func (d *DynTag) FileOffset() uint64 { return d.fileOff }

// SetVal rewrites d_val (or d_ptr, same union member) in place.
func (d *DynTag) SetVal(v uint64) {
	d.Val = v
	if d.im.Class == elf.ELFCLASS64 {
		b := make([]byte, 8)
		d.im.order.PutUint64(b, v)
		d.im.Patch(d.fileOff+8, b)
	} else {
		b := make([]byte, 4)
		d.im.order.PutUint32(b, uint32(v))
		d.im.Patch(d.fileOff+4, b)
	}
}

// EncodeTag serializes one Elf32_Dyn/Elf64_Dyn entry for the image's class,
// used when building the replacement dynamic array during a PT_DYNAMIC
// expansion (see dynseg.go).
func EncodeTag(im *Image, tag elf.DynTag, val uint64) []byte {
	if im.Class == elf.ELFCLASS64 {
		b := make([]byte, 16)
		im.order.PutUint64(b[0:], uint64(int64(tag)))
		im.order.PutUint64(b[8:], val)
		return b
	}
	b := make([]byte, 8)
	im.order.PutUint32(b[0:], uint32(int32(tag)))
	im.order.PutUint32(b[4:], uint32(val))
	return b
}

// DynEntSize returns the size in bytes of one dynamic array entry.
func DynEntSize(im *Image) uint64 {
	if im.Class == elf.ELFCLASS64 {
		return 16
	}
	return 8
}
