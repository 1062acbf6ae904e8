//go:build unix

package pagemanager

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/sushant-115/gojokv/core/dberror"
)

// lockFile takes a non-blocking advisory lock: exclusive for writers, shared
// for read-only opens.
func lockFile(f *os.File, exclusive bool) error {
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	if err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("%w: %s", dberror.ErrFileLocked, f.Name())
		}
		return fmt.Errorf("%w: locking %s: %v", dberror.ErrIO, f.Name(), err)
	}
	return nil
}

func unlockFile(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("%w: unlocking %s: %v", dberror.ErrIO, f.Name(), err)
	}
	return nil
}
