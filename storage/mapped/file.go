package mapped

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/viant/embedkv/lock"
	"github.com/viant/embedkv/storage"
)

// GrowFactor is the watermark/length ratio above which a file grows.
const GrowFactor = 0.75

// Options configures a growable mapped file.
type Options struct {
	// MinSize is the smallest physical length; smaller files grow on open.
	MinSize int64
	// GrowSize is the increment added on every growth step.
	GrowSize int64
	// ReaderCount is the number of pooled read-only views; zero shares the writer view.
	ReaderCount int
	// LockMode selects the composite lock layers.
	LockMode lock.Mode
	// LockTimeout bounds lock acquisition; zero waits indefinitely.
	LockTimeout time.Duration
	// Logf receives diagnostic messages.
	Logf func(format string, args ...any)
}

func (o *Options) withDefaults() {
	if o.GrowSize <= 0 {
		o.GrowSize = 1 << 20
	}
	if o.MinSize <= 0 {
		o.MinSize = o.GrowSize
	}
	if o.ReaderCount < 0 {
		o.ReaderCount = 0
	}
	if o.LockMode == 0 {
		o.LockMode = lock.InProcess
	}
	if o.Logf == nil {
		o.Logf = log.Printf
	}
}

// File is a growable, memory-mapped file with one writer view and a fixed pool
// of read-only views. Both the log store and the index shards are built on it.
//
// ReadAt and WriteAt expect the caller to hold a range lock covering the
// accessed region (see Lock); growth takes the whole-file exclusive lock, so a
// held range lock also pins the current mapping.
type File struct {
	path    string
	f       *os.File
	lock    *lock.Composite
	opts    Options
	mu      sync.RWMutex
	length  int64
	writer  *view
	readers chan *view
	closed  atomic.Bool
	grows   atomic.Uint64
}

// Open opens or creates path and maps it, growing it to MinSize when smaller.
func Open(path string, opts Options) (*File, error) {
	opts.withDefaults()
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("mapped: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	lk, err := lock.New(lock.NewRegistry(), lock.WithMode(opts.LockMode), lock.WithFile(f), lock.WithTimeout(opts.LockTimeout))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	ret := &File{
		path:    path,
		f:       f,
		lock:    lk,
		opts:    opts,
		length:  info.Size(),
		readers: make(chan *view, max(opts.ReaderCount, 1)),
	}
	if ret.length < opts.MinSize {
		err = ret.resize(ret.nextLength(0, 0))
	} else {
		err = ret.mapViews()
	}
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return ret, nil
}

// Path returns the file path.
func (m *File) Path() string {
	return m.path
}

// Lock returns the composite lock guarding this file.
func (m *File) Lock() *lock.Composite {
	return m.lock
}

// Length returns the physical file length.
func (m *File) Length() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.length
}

// Grows returns the number of completed grow operations.
func (m *File) Grows() uint64 {
	return m.grows.Load()
}

// NeedsGrow reports whether writing need bytes at watermark requires growth.
func (m *File) NeedsGrow(watermark, need int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.needsGrow(m.length, watermark, need)
}

func (m *File) needsGrow(length, watermark, need int64) bool {
	if length < m.opts.MinSize || watermark+need > length {
		return true
	}
	return float64(watermark)/float64(length) > GrowFactor
}

func (m *File) nextLength(watermark, need int64) int64 {
	length := m.length
	for m.needsGrow(length, watermark, need) {
		length += m.opts.GrowSize
	}
	return length
}

// Ensure grows the file, under the whole-file exclusive lock, when writing need
// bytes at watermark would exceed the grow policy. It must not be called while
// holding a range lock of this file.
func (m *File) Ensure(ctx context.Context, watermark, need int64) (bool, error) {
	if m.closed.Load() {
		return false, storage.ErrClosed
	}
	if !m.NeedsGrow(watermark, need) {
		return false, nil
	}
	grown := false
	err := m.lock.WriteInvoke(ctx, lock.Whole, func() error {
		if m.closed.Load() {
			return storage.ErrClosed
		}
		m.mu.RLock()
		target := m.nextLength(watermark, need)
		current := m.length
		m.mu.RUnlock()
		if target == current {
			return nil
		}
		grown = true
		return m.resize(target)
	})
	return grown, err
}

// resize releases every view, extends the file and recreates the views.
// A crash between the two steps leaves a longer file whose mapping is simply
// recreated on the next open.
func (m *File) resize(length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	previous := m.length
	m.releaseViews()
	if err := m.f.Truncate(length); err != nil {
		_ = m.mapViewsLocked()
		return fmt.Errorf("mapped: grow %s %d->%d: %w", m.path, previous, length, err)
	}
	m.length = length
	if previous > 0 {
		m.opts.Logf("mapped: grow %s %d->%d", m.path, previous, length)
		m.grows.Add(1)
	}
	return m.mapViewsLocked()
}

func (m *File) mapViews() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mapViewsLocked()
}

func (m *File) mapViewsLocked() error {
	writer, err := mapView(m.f, m.length, true)
	if err != nil {
		m.opts.Logf("mapped: %s falls back to file I/O: %v", m.path, err)
		writer = &view{f: m.f}
	}
	m.writer = writer
	if m.opts.ReaderCount == 0 {
		m.readers <- writer
		return nil
	}
	for i := 0; i < m.opts.ReaderCount; i++ {
		reader, err := mapView(m.f, m.length, false)
		if err != nil {
			reader = &view{f: m.f}
		}
		m.readers <- reader
	}
	return nil
}

func (m *File) releaseViews() {
	for {
		select {
		case v := <-m.readers:
			if v != m.writer {
				v.unmap()
			}
			continue
		default:
		}
		break
	}
	if m.writer != nil {
		m.writer.unmap()
		m.writer = nil
	}
}

// withReader lends a pooled read-only view to fn and returns it on every path.
func (m *File) withReader(fn func(v *view) error) error {
	v := <-m.readers
	defer func() { m.readers <- v }()
	return fn(v)
}

// ReadAt copies file bytes at off into p using a borrowed read view.
func (m *File) ReadAt(p []byte, off int64) (n int, err error) {
	if m.closed.Load() {
		return 0, storage.ErrClosed
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if off >= m.length {
		return 0, io.EOF
	}
	err = m.withReader(func(v *view) error {
		n, err = v.readAt(p, off, m.length)
		return err
	})
	return n, err
}

// WriteAt writes p at off through the writer view.
func (m *File) WriteAt(p []byte, off int64) (int, error) {
	if m.closed.Load() {
		return 0, storage.ErrClosed
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if off+int64(len(p)) > m.length {
		return 0, fmt.Errorf("mapped: write %d+%d beyond length %d: %w", off, len(p), m.length, io.ErrShortWrite)
	}
	return m.writer.writeAt(p, off)
}

// Zero clears n bytes starting at off.
func (m *File) Zero(off, n int64) error {
	zeros := make([]byte, min(n, 64<<10))
	for n > 0 {
		chunk := zeros[:min(n, int64(len(zeros)))]
		if _, err := m.WriteAt(chunk, off); err != nil {
			return err
		}
		off += int64(len(chunk))
		n -= int64(len(chunk))
	}
	return nil
}

// Sync flushes the [off, off+n) region of the writer view to stable storage.
func (m *File) Sync(off, n int64) error {
	if m.closed.Load() {
		return storage.ErrClosed
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n <= 0 || off >= m.length {
		return nil
	}
	if off+n > m.length {
		n = m.length - off
	}
	return m.writer.sync(off, n)
}

// Close flushes and releases all views and the file handle.
func (m *File) Close() error {
	if m.closed.Load() {
		return nil
	}
	return m.lock.WriteInvoke(context.Background(), lock.Whole, func() error {
		if !m.closed.CompareAndSwap(false, true) {
			return nil
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		var syncErr error
		if m.writer != nil {
			syncErr = m.writer.sync(0, m.length)
		}
		m.releaseViews()
		return errors.Join(syncErr, m.f.Close())
	})
}
