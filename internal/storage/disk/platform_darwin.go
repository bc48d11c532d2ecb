//go:build darwin

package disk

import (
	"os"
	"strings"
	"syscall"
)

func isNFS(root string) bool {
	var st syscall.Statfs_t
	if err := syscall.Statfs(root, &st); err != nil {
		return false
	}
	var name []byte
	for _, b := range st.Fstypename {
		if b == 0 {
			break
		}
		name = append(name, byte(b))
	}
	fsType := strings.ToLower(strings.TrimSpace(string(name)))
	return fsType == "nfs" || fsType == "nfs4"
}

func syncFile(file *os.File) error {
	if file == nil {
		return nil
	}
	return file.Sync()
}
