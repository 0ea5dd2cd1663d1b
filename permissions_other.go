//go:build !linux

package elfpatch

import (
	"fmt"
	"os"
)

func copyPermissions(srcPath, dstPath string) error {
	fi, err := os.Stat(srcPath)
	if err != nil {
		return fmt.Errorf("elfpatch: stat %s: %w", srcPath, err)
	}
	if err := os.Chmod(dstPath, fi.Mode().Perm()); err != nil {
		return fmt.Errorf("elfpatch: chmod %s: %w", dstPath, err)
	}
	return nil
}
