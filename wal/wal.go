package wal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/viant/embedkv/lock"
	"github.com/viant/embedkv/queue"
	"github.com/viant/embedkv/storage"
	"github.com/viant/embedkv/storage/mapped"
)

var headerRange = lock.Range{Position: 0, Size: HeaderSize}

// Options configures a Log.
type Options struct {
	// GrowSize is the number of bytes the log file is extended by.
	GrowSize int64
	// MinSize is the smallest log file length.
	MinSize int64
	// ReaderCount sizes the read-only view pool.
	ReaderCount int
	LockMode    lock.Mode
	LockTimeout time.Duration
	// WriteDelay debounces header persistence.
	WriteDelay time.Duration
	WaterMark  queue.WaterMark
	Scheduler  queue.Scheduler
	Logf       func(format string, args ...any)
}

func (o *Options) withDefaults() {
	if o.GrowSize <= 0 {
		o.GrowSize = 16 << 20
	}
	if o.MinSize < HeaderSize {
		o.MinSize = o.GrowSize
	}
	if o.ReaderCount <= 0 {
		o.ReaderCount = 4
	}
	if o.WriteDelay <= 0 {
		o.WriteDelay = 50 * time.Millisecond
	}
	if o.WaterMark.High == 0 {
		o.WaterMark = queue.NewWaterMark(1024)
	}
	if o.Scheduler == nil {
		o.Scheduler = queue.DefaultScheduler
	}
	if o.Logf == nil {
		o.Logf = log.Printf
	}
}

// Log is an append-only record log with a persisted meta page.
//
// Appends are serialized by the exclusive header range lock; record bytes are
// written past the published tail, so readers of earlier records only need a
// shared lock on their own range. Header persistence is deferred through a
// write-behind queue and therefore may lag the tail; Replay recovers records
// past the persisted position.
type Log struct {
	file   *mapped.File
	queue  *queue.Queue[int64, meta]
	logf   func(format string, args ...any)
	mu     sync.Mutex
	meta   meta
	closed atomic.Bool

	appends      atomic.Uint64
	bytesWritten atomic.Uint64
	bytesRead    atomic.Uint64
}

// Open opens or creates the log at path.
func Open(path string, opts Options) (*Log, error) {
	opts.withDefaults()
	file, err := mapped.Open(path, mapped.Options{
		MinSize:     opts.MinSize,
		GrowSize:    opts.GrowSize,
		ReaderCount: opts.ReaderCount,
		LockMode:    opts.LockMode,
		LockTimeout: opts.LockTimeout,
		Logf:        opts.Logf,
	})
	if err != nil {
		return nil, err
	}
	q, err := queue.New[int64, meta](opts.WriteDelay, opts.WaterMark,
		queue.WithName("wal"), queue.WithScheduler(opts.Scheduler), queue.WithLogf(opts.Logf))
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	ret := &Log{file: file, queue: q, logf: opts.Logf}
	if err = ret.loadHeader(); err != nil {
		_ = file.Close()
		return nil, err
	}
	return ret, nil
}

func (l *Log) loadHeader() error {
	page := make([]byte, HeaderSize)
	if _, err := l.file.ReadAt(page, 0); err != nil {
		return fmt.Errorf("wal: read header: %w", err)
	}
	if isBlank(page) {
		l.meta = newMeta(0)
		return l.writeHeader(context.Background())
	}
	m, err := decodePage(page)
	if err == nil && m.LogPosition > l.file.Length() {
		err = fmt.Errorf("wal: header position %d beyond length %d: %w", m.LogPosition, l.file.Length(), storage.ErrCorrupt)
	}
	if err != nil {
		m = newMeta(0)
		if first, rErr := l.recordAt(HeaderSize, l.file.Length()); rErr == nil {
			m.Epoch = first.Epoch
		}
		l.logf("wal: %s: %v, replaced with fresh header (epoch %d)", l.file.Path(), err, m.Epoch)
		l.meta = m
		return l.writeHeader(context.Background())
	}
	l.meta = m
	return nil
}

func (l *Log) snapshot() meta {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.meta
}

// Position returns the offset the next record will be written at.
func (l *Log) Position() int64 {
	return l.snapshot().LogPosition
}

// Size returns the persisted live record count.
func (l *Log) Size() int {
	return int(l.snapshot().Size)
}

// Length returns the physical log file length.
func (l *Log) Length() int64 {
	return l.file.Length()
}

// Path returns the log file path.
func (l *Log) Path() string {
	return l.file.Path()
}

// AddSize adjusts the live record count and schedules header persistence.
func (l *Log) AddSize(delta int) error {
	if l.closed.Load() {
		return storage.ErrClosed
	}
	l.mu.Lock()
	l.meta.Size += int32(delta)
	if l.meta.Size < 0 {
		l.meta.Size = 0
	}
	m := l.meta
	l.mu.Unlock()
	return l.schedule(m)
}

func (l *Log) schedule(m meta) error {
	return l.queue.Offer(0, m, l.persist)
}

// persist writes the current header; an entry queued before Clear is dropped.
func (l *Log) persist(pending meta) error {
	if l.snapshot().Epoch != pending.Epoch {
		return nil
	}
	return l.writeHeader(context.Background())
}

// writeHeader syncs the published records, then writes and syncs the meta page.
func (l *Log) writeHeader(ctx context.Context) error {
	return l.file.Lock().WriteInvoke(ctx, headerRange, func() error {
		m := l.snapshot()
		if err := l.file.Sync(HeaderSize, m.LogPosition-HeaderSize); err != nil {
			return fmt.Errorf("wal: sync records: %w", err)
		}
		page, err := m.encodePage()
		if err != nil {
			return err
		}
		if _, err = l.file.WriteAt(page, 0); err != nil {
			return fmt.Errorf("wal: write header: %w", err)
		}
		return l.file.Sync(0, HeaderSize)
	})
}

// Append writes payload as a new record and returns its offset.
func (l *Log) Append(ctx context.Context, payload []byte) (int64, error) {
	if l.closed.Load() {
		return 0, storage.ErrClosed
	}
	size := recordSize(len(payload))
	for {
		if _, err := l.file.Ensure(ctx, l.Position(), size); err != nil {
			return 0, fmt.Errorf("wal: grow: %w", err)
		}
		var offset int64
		var m meta
		retry := false
		err := l.file.Lock().WriteInvoke(ctx, headerRange, func() error {
			current := l.snapshot()
			if current.LogPosition+size > l.file.Length() {
				retry = true
				return nil
			}
			record := encodeRecord(current.Epoch, payload)
			if _, err := l.file.WriteAt(record, current.LogPosition); err != nil {
				return fmt.Errorf("wal: append at %d: %w", current.LogPosition, err)
			}
			offset = current.LogPosition
			l.mu.Lock()
			l.meta.LogPosition += size
			m = l.meta
			l.mu.Unlock()
			return nil
		})
		if err != nil {
			return 0, err
		}
		if retry {
			continue
		}
		l.appends.Add(1)
		l.bytesWritten.Add(uint64(size))
		return offset, l.schedule(m)
	}
}

// Read copies log bytes at the cursor into buf and advances the cursor. Reads
// stop at the log tail with io.EOF.
func (l *Log) Read(ctx context.Context, cursor *storage.Cursor, buf []byte) (int, error) {
	pos, ok := cursor.Position()
	if !ok {
		return 0, storage.ErrCursorNotSet
	}
	n, err := l.readAt(ctx, buf, pos, l.Position())
	cursor.Advance(n)
	return n, err
}

func (l *Log) readAt(ctx context.Context, buf []byte, offset, limit int64) (int, error) {
	if l.closed.Load() {
		return 0, storage.ErrClosed
	}
	if offset >= limit {
		return 0, io.EOF
	}
	if available := limit - offset; int64(len(buf)) > available {
		buf = buf[:available]
	}
	var n int
	err := l.file.Lock().ReadInvoke(ctx, lock.Range{Position: offset, Size: int64(max(len(buf), 1))}, func() error {
		var err error
		n, err = l.file.ReadAt(buf, offset)
		return err
	})
	l.bytesRead.Add(uint64(n))
	return n, err
}

// ReadRecord decodes and verifies the record at offset.
func (l *Log) ReadRecord(ctx context.Context, offset int64) (*Record, error) {
	m := l.snapshot()
	record, err := l.readRecord(ctx, offset, m.LogPosition)
	if err != nil {
		return nil, err
	}
	if record.Epoch != m.Epoch {
		return nil, fmt.Errorf("wal: record at %d from epoch %d: %w", offset, record.Epoch, storage.ErrCorrupt)
	}
	return record, nil
}

func (l *Log) readRecord(ctx context.Context, offset, limit int64) (*Record, error) {
	if offset < HeaderSize || offset >= limit {
		return nil, fmt.Errorf("wal: offset %d outside [%d,%d): %w", offset, HeaderSize, limit, storage.ErrCorrupt)
	}
	prefix := make([]byte, prefixSize)
	n, err := l.readAt(ctx, prefix, offset, limit)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	total, err := frameLength(prefix[:n])
	if err != nil {
		return nil, err
	}
	if offset+total > limit {
		return nil, fmt.Errorf("wal: record at %d overruns %d: %w", offset, limit, storage.ErrCorrupt)
	}
	buf := make([]byte, total)
	if n, err = l.readAt(ctx, buf, offset, limit); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return decodeRecord(buf[:n], offset)
}

// recordAt reads a record without range locks; used before the log is shared.
func (l *Log) recordAt(offset, limit int64) (*Record, error) {
	prefix := make([]byte, prefixSize)
	n, err := l.file.ReadAt(prefix[:min(int64(prefixSize), max(limit-offset, 0))], offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	total, err := frameLength(prefix[:n])
	if err != nil {
		return nil, err
	}
	if offset+total > limit {
		return nil, fmt.Errorf("wal: record at %d overruns %d: %w", offset, limit, storage.ErrCorrupt)
	}
	buf := make([]byte, total)
	if n, err = l.file.ReadAt(buf, offset); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return decodeRecord(buf[:n], offset)
}

// ReadBefore returns the record ending at offset, walking the log backwards.
// It returns io.EOF once the first record has been passed.
func (l *Log) ReadBefore(ctx context.Context, offset int64) (*Record, error) {
	if offset <= HeaderSize {
		return nil, io.EOF
	}
	var trailer [4]byte
	if _, err := l.readAt(ctx, trailer[:], offset-4, l.Position()); err != nil {
		return nil, err
	}
	start := offset - int64(binary.LittleEndian.Uint32(trailer[:]))
	if start < HeaderSize || start >= offset {
		return nil, fmt.Errorf("wal: record trailer before %d: %w", offset, storage.ErrCorrupt)
	}
	return l.ReadRecord(ctx, start)
}

// MarkDead tombstones the record at offset in place. It reports false if the
// record was already dead.
func (l *Log) MarkDead(ctx context.Context, offset int64) (bool, error) {
	if l.closed.Load() {
		return false, storage.ErrClosed
	}
	if offset < HeaderSize || offset >= l.Position() {
		return false, fmt.Errorf("wal: tombstone offset %d: %w", offset, storage.ErrCorrupt)
	}
	marked := false
	err := l.file.Lock().WriteInvoke(ctx, lock.Range{Position: offset, Size: 1}, func() error {
		var kind [1]byte
		if _, err := l.file.ReadAt(kind[:], offset); err != nil {
			return err
		}
		switch kind[0] {
		case kindDead:
			return nil
		case kindLive:
		default:
			return fmt.Errorf("wal: tombstone at %d kind %#x: %w", offset, kind[0], storage.ErrCorrupt)
		}
		kind[0] = kindDead
		_, err := l.file.WriteAt(kind[:], offset)
		marked = err == nil
		return err
	})
	return marked, err
}

// Replay scans records past the persisted tail, calling fn for each record of
// the current epoch. The tail is advanced past each record before fn runs, so
// fn can read it and every earlier record. Replay stops at the first record
// that is incomplete, corrupt, or from an earlier epoch.
func (l *Log) Replay(ctx context.Context, fn func(record *Record) error) (int, error) {
	m := l.snapshot()
	offset := m.LogPosition
	limit := l.file.Length()
	count := 0
	for offset < limit {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		record, err := l.recordAt(offset, limit)
		if err != nil || record.Epoch != m.Epoch {
			break
		}
		offset = record.Next()
		l.mu.Lock()
		l.meta.LogPosition = offset
		l.mu.Unlock()
		count++
		if err = fn(record); err != nil {
			return count, err
		}
	}
	if count == 0 {
		return 0, nil
	}
	l.logf("wal: %s: replayed %d records past persisted position %d", l.file.Path(), count, m.LogPosition)
	return count, l.writeHeader(ctx)
}

// SetSize overwrites the live record count, used after recovery recounts.
func (l *Log) SetSize(size int) error {
	if l.closed.Load() {
		return storage.ErrClosed
	}
	l.mu.Lock()
	l.meta.Size = int32(size)
	m := l.meta
	l.mu.Unlock()
	return l.schedule(m)
}

// Clear resets the tail and count and starts a new epoch; existing bytes are
// left in place and become unreachable.
func (l *Log) Clear(ctx context.Context) error {
	if l.closed.Load() {
		return storage.ErrClosed
	}
	l.queue.Clear()
	err := l.file.Lock().WriteInvoke(ctx, headerRange, func() error {
		l.mu.Lock()
		l.meta = newMeta(l.meta.Epoch)
		l.mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}
	return l.writeHeader(ctx)
}

// Sync drains pending header writes and flushes the log to stable storage.
func (l *Log) Sync(ctx context.Context) error {
	if l.closed.Load() {
		return storage.ErrClosed
	}
	if err := l.queue.Flush(); err != nil {
		return err
	}
	return l.writeHeader(ctx)
}

// Stats adds log counters to stats.
func (l *Log) Stats(stats *storage.Stats) {
	m := l.snapshot()
	stats.Appends += l.appends.Load()
	stats.BytesWritten += l.bytesWritten.Load()
	stats.BytesRead += l.bytesRead.Load()
	stats.Grows += l.file.Grows()
	stats.LogPosition = m.LogPosition
	stats.LogLength = l.file.Length()
	stats.PendingWrites += l.queue.Len()
}

// Close drains pending header writes, persists the header and releases the file.
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	qErr := l.queue.Close()
	hErr := l.writeHeader(context.Background())
	return errors.Join(qErr, hErr, l.file.Close())
}
