//go:build unix

package disk

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// lockNamespace takes an exclusive advisory lock guarding conditional writes
// within a namespace so concurrent processes sharing root serialize CAS.
func lockNamespace(path string) (func() error, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk: open lock %q: %w", path, err)
	}
	flock := unix.Flock_t{Type: unix.F_WRLCK}
	if err := unix.FcntlFlock(f.Fd(), unix.F_SETLKW, &flock); err != nil {
		f.Close()
		return nil, fmt.Errorf("disk: lock %q: %w", path, err)
	}
	return func() error {
		release := unix.Flock_t{Type: unix.F_UNLCK}
		if err := unix.FcntlFlock(f.Fd(), unix.F_SETLK, &release); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}, nil
}
