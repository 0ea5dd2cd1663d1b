package elfpatch

import (
	"fmt"
	"log"
)

// StructuralError reports that the input's ELF layout has no room for a
// requested edit: no program header slot (and no extendable trailing
// PT_LOAD) for the memory manager to place new bytes in, or no DT_STRTAB to
// append new strings to. Distinct from plain I/O errors so callers can tell
// "this file cannot be patched as requested" apart from "the disk is full"
// via errors.As, mirroring the teacher's FormatError (file.go).
type StructuralError struct {
	Reason string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("elfpatch: structural error: %s", e.Reason)
}

// logger receives warnings for absent-but-optional entries (no PT_INTERP,
// no DT_SONAME, ...). Defaults to the standard logger; tests substitute
// their own to capture or silence output, the way the teacher's callers
// never need to but its log.Printf calls would let them.
var logger = log.Default()

// SetLogger overrides the destination for elfpatch's warnings.
func SetLogger(l *log.Logger) {
	if l == nil {
		logger = log.Default()
		return
	}
	logger = l
}

func warnf(format string, args ...any) {
	logger.Printf("elfpatch: "+format, args...)
}
