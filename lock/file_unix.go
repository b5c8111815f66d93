//go:build !windows

package lock

import (
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

var errWouldBlock = errors.New("would block")

// fcntl record locks belong to the process, so a range is released only once
// every in-process holder of the covering entry is gone.
const releasePerHolder = false

func lockFileRange(f *os.File, rg Range, shared, wait bool) error {
	lk := unix.Flock_t{Type: unix.F_WRLCK, Whence: io.SeekStart, Start: rg.Position, Len: osLength(rg)}
	if shared {
		lk.Type = unix.F_RDLCK
	}
	cmd := unix.F_SETLK
	if wait {
		cmd = unix.F_SETLKW
	}
	for {
		err := unix.FcntlFlock(f.Fd(), cmd, &lk)
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if !wait && (errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES)) {
			return errWouldBlock
		}
		return err
	}
}

func unlockFileRange(f *os.File, rg Range) error {
	lk := unix.Flock_t{Type: unix.F_UNLCK, Whence: io.SeekStart, Start: rg.Position, Len: osLength(rg)}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLK, &lk)
}

// osLength maps unbounded ranges to fcntl's "through end of file" length.
func osLength(rg Range) int64 {
	if rg.IsUnbounded() {
		return 0
	}
	return rg.Size
}
