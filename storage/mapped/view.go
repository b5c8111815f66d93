package mapped

import (
	"io"
	"os"
)

// view is a mapped region of the file; data is nil when mapping is unsupported
// and I/O falls back to the file handle.
type view struct {
	data []byte
	f    *os.File
}

func (v *view) readAt(p []byte, off, length int64) (int, error) {
	if v.data == nil {
		if remaining := length - off; int64(len(p)) > remaining {
			n, err := v.f.ReadAt(p[:remaining], off)
			if err == nil {
				err = io.EOF
			}
			return n, err
		}
		return v.f.ReadAt(p, off)
	}
	n := copy(p, v.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (v *view) writeAt(p []byte, off int64) (int, error) {
	if v.data == nil {
		return v.f.WriteAt(p, off)
	}
	return copy(v.data[off:], p), nil
}
