//go:build windows

package lock

import (
	"errors"
	"os"

	"golang.org/x/sys/windows"
)

var errWouldBlock = errors.New("would block")

// LockFileEx locks stack per handle, so every holder unlocks its own range.
const releasePerHolder = true

func lockFileRange(f *os.File, rg Range, shared, wait bool) error {
	var flags uint32
	if !shared {
		flags |= windows.LOCKFILE_EXCLUSIVE_LOCK
	}
	if !wait {
		flags |= windows.LOCKFILE_FAIL_IMMEDIATELY
	}
	ol := overlapped(rg)
	low, high := lengthWords(rg)
	err := windows.LockFileEx(windows.Handle(f.Fd()), flags, 0, low, high, ol)
	if err != nil && errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
		return errWouldBlock
	}
	return err
}

func unlockFileRange(f *os.File, rg Range) error {
	ol := overlapped(rg)
	low, high := lengthWords(rg)
	return windows.UnlockFileEx(windows.Handle(f.Fd()), 0, low, high, ol)
}

func overlapped(rg Range) *windows.Overlapped {
	return &windows.Overlapped{Offset: uint32(rg.Position), OffsetHigh: uint32(rg.Position >> 32)}
}

func lengthWords(rg Range) (uint32, uint32) {
	if rg.IsUnbounded() {
		return ^uint32(0), ^uint32(0)
	}
	return uint32(rg.Size), uint32(rg.Size >> 32)
}
