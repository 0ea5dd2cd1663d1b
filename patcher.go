// Package elfpatch rewrites an ELF binary's PT_INTERP, DT_SONAME, and
// DT_RUNPATH/DT_RPATH fields, producing a new file that differs from the
// input only in those fields and the minimum structural change needed to
// store them (at most one inserted PT_LOAD). It does not touch relocations,
// symbol tables, DT_NEEDED entries, or code.
package elfpatch

import (
	"debug/elf"
	"errors"
	"fmt"

	"github.com/appsworld/elfpatch/elfimg"
	"github.com/appsworld/elfpatch/mm"
)

// Field identifies one of the three settable string fields. DT_NEEDED is
// deliberately not a Field: it is never settable, and GetNeeded returns a
// []string rather than forcing a polymorphic-but-actually-single-typed
// Get(field) signature to carry two return shapes (see SPEC_FULL.md §11).
type Field int

const (
	FieldInterpreter Field = iota
	FieldRunpath
	FieldSoname
)

// Patcher accumulates edits to one input file and materializes them on
// Save. Not safe for concurrent use.
type Patcher struct {
	path string
	im   *elfimg.Image // read-only snapshot consulted by Get/GetNeeded

	useRpath bool

	pendingInterp  *string
	pendingSoname  *string
	pendingRunpath *string
}

// Open parses path and returns a Patcher ready to accept edits.
func Open(path string) (*Patcher, error) {
	im, err := elfimg.Open(path)
	if err != nil {
		return nil, err
	}
	return &Patcher{path: path, im: im}, nil
}

// UseRpath switches subsequent runpath reads and writes to DT_RPATH instead
// of the default DT_RUNPATH.
func (p *Patcher) UseRpath() { p.useRpath = true }

// SetInterpreter queues a new PT_INTERP string.
func (p *Patcher) SetInterpreter(s string) error {
	if s == "" {
		return fmt.Errorf("elfpatch: interpreter must not be empty")
	}
	p.pendingInterp = &s
	return nil
}

// SetSoname queues a new DT_SONAME string. If the file has no DT_SONAME,
// the edit is discarded with a warning.
func (p *Patcher) SetSoname(s string) error {
	if s == "" {
		return fmt.Errorf("elfpatch: soname must not be empty")
	}
	if p.im.FindDynTag(elf.DT_SONAME) == nil {
		warnf("Entry DT_SONAME not found, not a shared library?")
		return nil
	}
	p.pendingSoname = &s
	return nil
}

// SetRunpath queues a new DT_RUNPATH (or DT_RPATH, after UseRpath) string.
func (p *Patcher) SetRunpath(s string) error {
	if s == "" {
		return fmt.Errorf("elfpatch: runpath must not be empty")
	}
	p.pendingRunpath = &s
	return nil
}

// Get returns field's pending value if one has been set, otherwise the
// value currently stored in the file, or ("", false) with a logged warning
// if the field is absent.
func (p *Patcher) Get(field Field) (string, bool) {
	switch field {
	case FieldInterpreter:
		if p.pendingInterp != nil {
			return *p.pendingInterp, true
		}
		s, ok, err := p.im.Interpreter()
		if err != nil {
			warnf("reading PT_INTERP: %v", err)
			return "", false
		}
		if !ok {
			warnf("no PT_INTERP segment")
		}
		return s, ok
	case FieldSoname:
		if p.pendingSoname != nil {
			return *p.pendingSoname, true
		}
		return p.readDynString("DT_SONAME", elf.DT_SONAME)
	case FieldRunpath:
		if p.pendingRunpath != nil {
			return *p.pendingRunpath, true
		}
		tagName, tag := "DT_RUNPATH", elf.DT_RUNPATH
		if p.useRpath {
			tagName, tag = "DT_RPATH", elf.DT_RPATH
		}
		return p.readDynString(tagName, tag)
	default:
		return "", false
	}
}

// GetNeeded returns the current DT_NEEDED list. There is no pending-edit
// concept here: elfpatch never adds or removes NEEDED entries.
func (p *Patcher) GetNeeded() []string {
	names, err := p.im.NeededNames()
	if err != nil {
		warnf("reading DT_NEEDED: %v", err)
		return nil
	}
	return names
}

// Save materializes every queued edit into outPath (or the input path, if
// outPath is empty). A no-op if outPath is empty and nothing is pending.
func (p *Patcher) Save(outPath string) error {
	if outPath == "" && !p.hasPendingEdits() {
		return nil
	}
	target := outPath
	if target == "" {
		target = p.path
	}

	im, err := elfimg.Open(p.path)
	if err != nil {
		return err
	}

	mmgr, err := mm.New(im)
	if err != nil {
		return asStructuralError(err)
	}

	if p.pendingInterp != nil {
		if err := setInterpreter(im, mmgr, *p.pendingInterp); err != nil {
			return asStructuralError(err)
		}
	}

	strtabEd := newStrtabEditor(im)
	dynEd := newDynsegEditor(im, strtabEd)

	if p.pendingSoname != nil {
		if err := dynEd.SetSoname(*p.pendingSoname); err != nil {
			return err
		}
	}
	if p.pendingRunpath != nil {
		if err := dynEd.SetRunpath(*p.pendingRunpath, p.useRpath); err != nil {
			return err
		}
	}

	// strtab Finalize must be registered with mmgr before dynseg's, so its
	// allocation dispatches first and every appended tag's value is already
	// patched when dynseg serializes the replacement dynamic array.
	if err := strtabEd.Finalize(mmgr); err != nil {
		return err
	}
	if err := dynEd.Finalize(mmgr); err != nil {
		return err
	}

	if err := mmgr.Dispatch(); err != nil {
		return asStructuralError(err)
	}

	if err := writeOutput(im, mmgr, target); err != nil {
		return err
	}
	return copyPermissions(p.path, target)
}

func (p *Patcher) hasPendingEdits() bool {
	return p.pendingInterp != nil || p.pendingSoname != nil || p.pendingRunpath != nil
}

func (p *Patcher) readDynString(tagName string, tag elf.DynTag) (string, bool) {
	s, ok, err := p.im.DynString(tag)
	if err != nil {
		warnf("reading %s: %v", tagName, err)
		return "", false
	}
	if !ok {
		warnf("no %s entry", tagName)
	}
	return s, ok
}

// asStructuralError normalizes an mm.StructuralError into this package's
// own StructuralError type, so callers only ever need to errors.As against
// one type regardless of which internal component detected the problem.
func asStructuralError(err error) error {
	var mmErr *mm.StructuralError
	if errors.As(err, &mmErr) {
		return &StructuralError{Reason: mmErr.Reason}
	}
	return err
}
