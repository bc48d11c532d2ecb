//go:build linux

package disk

import (
	"os"
	"syscall"
)

const nfsSuperMagic = 0x6969

func isNFS(root string) bool {
	var st syscall.Statfs_t
	if err := syscall.Statfs(root, &st); err != nil {
		return false
	}
	return st.Type == nfsSuperMagic
}

func syncFile(file *os.File) error {
	if file == nil {
		return nil
	}
	return syscall.Fdatasync(int(file.Fd()))
}
