//go:build darwin || dragonfly || freebsd || illumos || linux || netbsd || openbsd

package bitcask

import (
	"os"
	"syscall"

	"github.com/pkg/errors"
)

// LockFileNonBlocking takes an exclusive flock on file. The lock belongs to
// the open file, so a second open of the same log fails even in-process.
func LockFileNonBlocking(file *os.File) error {
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return errors.Wrapf(ErrLocked, "%s: %v", file.Name(), err)
	}
	return nil
}
