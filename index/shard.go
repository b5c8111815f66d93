package index

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/viant/embedkv/lock"
	"github.com/viant/embedkv/storage/mapped"
)

const (
	// HeaderSize holds the persisted record count.
	HeaderSize = 4
	// RecordSize is the fixed on-disk size of one slot: hash(4) + offset(8).
	RecordSize = 12

	// unused marks a slot that was never written.
	unused = 0
	// removed marks a tombstoned, reusable slot. It lies inside the log
	// header, so it never collides with a record offset.
	removed = 1
)

var headerRange = lock.Range{Position: 0, Size: HeaderSize}

// shard is one index file: [count:4][slot...].
type shard struct {
	ordinal int
	file    *mapped.File
	logf    func(format string, args ...any)

	mu    sync.Mutex
	count int
	free  []int
}

func openShard(ordinal int, path string, opts mapped.Options) (*shard, error) {
	file, err := mapped.Open(path, opts)
	if err != nil {
		return nil, err
	}
	s := &shard{ordinal: ordinal, file: file, logf: opts.Logf}
	if err = s.recover(); err != nil {
		_ = file.Close()
		return nil, err
	}
	return s, nil
}

// recover treats the persisted count as a hint: slots written past it are
// adopted and removed slots are collected for reuse.
func (s *shard) recover() error {
	var header [HeaderSize]byte
	if _, err := s.file.ReadAt(header[:], 0); err != nil {
		return fmt.Errorf("index: shard %d header: %w", s.ordinal, err)
	}
	persisted := int(binary.LittleEndian.Uint32(header[:]))
	capacity := int((s.file.Length() - HeaderSize) / RecordSize)
	if persisted > capacity {
		s.logf("index: shard %d count %d exceeds capacity %d, rescanning", s.ordinal, persisted, capacity)
		persisted = 0
	}
	count := persisted
	buf := make([]byte, RecordSize)
	for count < capacity {
		if _, err := s.file.ReadAt(buf, slotAt(count)); err != nil && err != io.EOF {
			return err
		}
		if _, offset := decodeSlot(buf); offset == unused {
			break
		}
		count++
	}
	if count != persisted {
		s.logf("index: shard %d adopted %d slots past persisted count %d", s.ordinal, count-persisted, persisted)
	}
	s.count = count
	for position := 0; position < count; position++ {
		if _, err := s.file.ReadAt(buf, slotAt(position)); err != nil && err != io.EOF {
			return err
		}
		if _, offset := decodeSlot(buf); offset == removed {
			s.free = append(s.free, position)
		}
	}
	return nil
}

func slotAt(position int) int64 {
	return HeaderSize + int64(position)*RecordSize
}

func encodeSlot(hash uint32, offset int64) []byte {
	buf := make([]byte, RecordSize)
	binary.LittleEndian.PutUint32(buf, hash)
	binary.LittleEndian.PutUint64(buf[4:], uint64(offset))
	return buf
}

func decodeSlot(buf []byte) (uint32, int64) {
	return binary.LittleEndian.Uint32(buf), int64(binary.LittleEndian.Uint64(buf[4:]))
}

func (s *shard) watermark() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slotAt(s.count)
}

func (s *shard) counts() (count, free int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count, len(s.free)
}

// append writes a new slot at the watermark and returns its position.
func (s *shard) append(ctx context.Context, hash uint32, offset int64) (int, error) {
	for {
		if _, err := s.file.Ensure(ctx, s.watermark(), RecordSize); err != nil {
			return 0, fmt.Errorf("index: shard %d grow: %w", s.ordinal, err)
		}
		position, retry := -1, false
		err := s.file.Lock().WriteInvoke(ctx, headerRange, func() error {
			s.mu.Lock()
			next := s.count
			s.mu.Unlock()
			if slotAt(next)+RecordSize > s.file.Length() {
				retry = true
				return nil
			}
			if _, err := s.file.WriteAt(encodeSlot(hash, offset), slotAt(next)); err != nil {
				return err
			}
			s.mu.Lock()
			s.count++
			s.mu.Unlock()
			position = next
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("index: shard %d append: %w", s.ordinal, err)
		}
		if !retry {
			return position, nil
		}
	}
}

// reuse claims a removed slot, or returns -1.
func (s *shard) reuse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.free) == 0 {
		return -1
	}
	position := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	return position
}

func (s *shard) release(position int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.free = append(s.free, position)
}

// overwrite rewrites the slot at position in place.
func (s *shard) overwrite(ctx context.Context, position int, hash uint32, offset int64) error {
	at := slotAt(position)
	return s.file.Lock().WriteInvoke(ctx, lock.Range{Position: at, Size: RecordSize}, func() error {
		_, err := s.file.WriteAt(encodeSlot(hash, offset), at)
		return err
	})
}

// snapshot copies the live slot region under a shared lock.
func (s *shard) snapshot(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	count := s.count
	s.mu.Unlock()
	if count == 0 {
		return nil, nil
	}
	buf := make([]byte, count*RecordSize)
	err := s.file.Lock().ReadInvoke(ctx, lock.Range{Position: HeaderSize, Size: int64(len(buf))}, func() error {
		_, err := s.file.ReadAt(buf, HeaderSize)
		return err
	})
	return buf, err
}

// writeHeader syncs the slot region, then writes and syncs the count.
func (s *shard) writeHeader(ctx context.Context) error {
	return s.file.Lock().WriteInvoke(ctx, headerRange, func() error {
		s.mu.Lock()
		count := s.count
		s.mu.Unlock()
		if err := s.file.Sync(HeaderSize, int64(count)*RecordSize); err != nil {
			return err
		}
		var header [HeaderSize]byte
		binary.LittleEndian.PutUint32(header[:], uint32(count))
		if _, err := s.file.WriteAt(header[:], 0); err != nil {
			return err
		}
		return s.file.Sync(0, HeaderSize)
	})
}

// clear zeroes the slot region and the count.
func (s *shard) clear(ctx context.Context) error {
	return s.file.Lock().WriteInvoke(ctx, lock.Whole, func() error {
		s.mu.Lock()
		count := s.count
		s.count = 0
		s.free = nil
		s.mu.Unlock()
		if err := s.file.Zero(0, slotAt(count)); err != nil {
			return err
		}
		return s.file.Sync(0, slotAt(count))
	})
}
