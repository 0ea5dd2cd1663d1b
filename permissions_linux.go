//go:build linux

package elfpatch

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// copyPermissions copies srcPath's mode bits onto dstPath via direct
// syscalls, the way xyproto-vibe67's filewatcher_unix.go reaches straight
// into golang.org/x/sys/unix instead of the stdlib os wrappers. ELF is a
// Linux/Unix format to begin with, so there is no portability loss in
// talking to the kernel directly on the one platform elfpatch targets.
func copyPermissions(srcPath, dstPath string) error {
	var st unix.Stat_t
	if err := unix.Stat(srcPath, &st); err != nil {
		return fmt.Errorf("elfpatch: stat %s: %w", srcPath, err)
	}
	if err := unix.Chmod(dstPath, st.Mode&0o7777); err != nil {
		return fmt.Errorf("elfpatch: chmod %s: %w", dstPath, err)
	}
	return nil
}
