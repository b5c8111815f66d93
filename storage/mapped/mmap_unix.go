//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly || solaris || aix

package mapped

import (
	"os"

	"golang.org/x/sys/unix"
)

var pageSize = int64(os.Getpagesize())

// mapView maps the first length bytes of f, read-write when writable.
func mapView(f *os.File, length int64, writable bool) (*view, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(length), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return &view{data: data, f: f}, nil
}

// unmap releases the mapping, if any.
func (v *view) unmap() {
	if v.data != nil {
		_ = unix.Munmap(v.data)
		v.data = nil
	}
}

// sync msyncs the page aligned region covering [off, off+n).
func (v *view) sync(off, n int64) error {
	if v.data == nil {
		return v.f.Sync()
	}
	start := off &^ (pageSize - 1)
	end := min(off+n, int64(len(v.data)))
	if start >= end {
		return nil
	}
	return unix.Msync(v.data[start:end], unix.MS_SYNC)
}
