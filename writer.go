package elfpatch

import (
	"fmt"
	"os"

	"github.com/appsworld/elfpatch/elfimg"
	"github.com/appsworld/elfpatch/mm"
)

// writeOutput materializes the patched file at outPath. Grounded in
// blacktop-go-macho's File.Export (file.go): read the old file, recompute
// offsets, write a new file with headers patched at their recomputed
// locations. Narrowed to ELF's simpler problem here: at most one inserted
// region rather than a general N-segment remap.
func writeOutput(im *elfimg.Image, mmgr *mm.MM, outPath string) (err error) {
	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("elfpatch: create %s: %w", outPath, err)
	}
	defer func() {
		cerr := f.Close()
		if err == nil {
			err = cerr
		}
	}()

	if mmgr.Extended() {
		threshold := mmgr.Threshold()
		extendSize := mmgr.ExtendSize()

		if _, werr := f.Write(im.Raw[:threshold]); werr != nil {
			return fmt.Errorf("elfpatch: write prefix: %w", werr)
		}
		if _, werr := f.Write(make([]byte, extendSize)); werr != nil {
			return fmt.Errorf("elfpatch: write extension gap: %w", werr)
		}
		if _, werr := f.Write(im.Raw[threshold:]); werr != nil {
			return fmt.Errorf("elfpatch: write suffix: %w", werr)
		}
	} else {
		if _, werr := f.Write(im.Raw); werr != nil {
			return fmt.Errorf("elfpatch: write: %w", werr)
		}
	}

	for _, p := range im.Patches() {
		if _, werr := f.WriteAt(p.Data, int64(mmgr.ExtendedOffset(p.Offset))); werr != nil {
			return fmt.Errorf("elfpatch: apply header patch at %#x: %w", p.Offset, werr)
		}
	}
	for _, p := range mmgr.InlinePatches() {
		if _, werr := f.WriteAt(p.Data, int64(p.Offset)); werr != nil {
			return fmt.Errorf("elfpatch: apply inline patch at %#x: %w", p.Offset, werr)
		}
	}

	return nil
}

// copyPermissions is implemented per-platform in permissions_linux.go and
// permissions_other.go.
