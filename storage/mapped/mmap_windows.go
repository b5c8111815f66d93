//go:build windows

package mapped

import (
	"errors"
	"os"
)

// On Windows, provide no-op mmap to keep builds portable.
// Views fall back to direct file I/O via ReadAt/WriteAt.

func mapView(f *os.File, length int64, writable bool) (*view, error) {
	return nil, errors.New("mmap disabled on windows")
}

func (v *view) unmap() {
	// Nothing to do
}

func (v *view) sync(off, n int64) error {
	return v.f.Sync()
}
