//go:build !linux && !darwin

package disk

import "os"

// isNFS cannot be detected here; watching is attempted and falls back on error.
func isNFS(string) bool { return false }

func syncFile(file *os.File) error {
	if file == nil {
		return nil
	}
	return file.Sync()
}
