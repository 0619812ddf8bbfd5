//go:build unix

package install

import (
	"io/fs"
	"os"
	"syscall"
)

// preserveOwner copies uid and gid of the source onto target.
func preserveOwner(target string, info fs.FileInfo) error {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}

	return os.Lchown(target, int(stat.Uid), int(stat.Gid))
}
