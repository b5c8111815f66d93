package index

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/bits"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/viant/embedkv/hash"
	"github.com/viant/embedkv/lock"
	"github.com/viant/embedkv/queue"
	"github.com/viant/embedkv/storage"
	"github.com/viant/embedkv/storage/mapped"
)

// Slot locates one index record.
type Slot struct {
	Shard int
	// Position is the slot ordinal within its shard; negative when not yet stored.
	Position int
	Hash     uint32
	Offset   int64
}

// NewSlot returns a slot that has not been stored yet.
func NewSlot(hash uint32, offset int64) Slot {
	return Slot{Position: -1, Hash: hash, Offset: offset}
}

// Options configures an Index.
type Options struct {
	// ShardCount must be a power of two.
	ShardCount int
	// SlotSize is the initial shard file length.
	SlotSize    int64
	GrowSize    int64
	LockMode    lock.Mode
	LockTimeout time.Duration
	WriteDelay  time.Duration
	WaterMark   queue.WaterMark
	Scheduler   queue.Scheduler
	Logf        func(format string, args ...any)
}

func (o *Options) withDefaults() {
	if o.ShardCount == 0 {
		o.ShardCount = 64
	}
	if o.GrowSize <= 0 {
		o.GrowSize = 64 << 10
	}
	if o.SlotSize <= 0 {
		o.SlotSize = o.GrowSize
	}
	if o.WriteDelay <= 0 {
		o.WriteDelay = 50 * time.Millisecond
	}
	if o.WaterMark.High == 0 {
		o.WaterMark = queue.NewWaterMark(max(o.ShardCount, 2))
	}
	if o.Scheduler == nil {
		o.Scheduler = queue.DefaultScheduler
	}
	if o.Logf == nil {
		o.Logf = log.Printf
	}
}

// Index maps key hashes to log offsets across independently locked shards.
// Matching is by hash only; callers verify key equality against the log.
type Index struct {
	dir    string
	shards []*shard
	queue  *queue.Queue[int, int]
	closed atomic.Bool
}

// Open opens or creates ShardCount shard files under dir.
func Open(dir string, opts Options) (*Index, error) {
	opts.withDefaults()
	if opts.ShardCount <= 0 || bits.OnesCount(uint(opts.ShardCount)) != 1 {
		return nil, fmt.Errorf("index: shard count %d is not a power of two: %w", opts.ShardCount, storage.ErrInvalidConfig)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("index: mkdir %s: %w", dir, err)
	}
	q, err := queue.New[int, int](opts.WriteDelay, opts.WaterMark,
		queue.WithName("index"), queue.WithScheduler(opts.Scheduler), queue.WithLogf(opts.Logf))
	if err != nil {
		return nil, err
	}
	idx := &Index{dir: dir, queue: q, shards: make([]*shard, opts.ShardCount)}
	for i := range idx.shards {
		s, err := openShard(i, idx.shardPath(i), mapped.Options{
			MinSize:     max(opts.SlotSize, HeaderSize+RecordSize),
			GrowSize:    opts.GrowSize,
			ReaderCount: 1,
			LockMode:    opts.LockMode,
			LockTimeout: opts.LockTimeout,
			Logf:        opts.Logf,
		})
		if err != nil {
			for _, opened := range idx.shards[:i] {
				_ = opened.file.Close()
			}
			return nil, err
		}
		idx.shards[i] = s
	}
	return idx, nil
}

func (x *Index) shardPath(ordinal int) string {
	return filepath.Join(x.dir, strconv.Itoa(ordinal)+".idx")
}

// Paths returns the shard file paths.
func (x *Index) Paths() []string {
	ret := make([]string, len(x.shards))
	for i := range x.shards {
		ret[i] = x.shardPath(i)
	}
	return ret
}

// ShardCount returns the number of shards.
func (x *Index) ShardCount() int {
	return len(x.shards)
}

// Shard returns the shard ordinal for hash.
func (x *Index) Shard(h uint32) int {
	return hash.Shard(h, len(x.shards))
}

// Save stores slot: a slot with a known position is rewritten in place, an
// unknown one takes a removed slot or is appended at the shard watermark.
func (x *Index) Save(ctx context.Context, slot Slot) (Slot, error) {
	if x.closed.Load() {
		return slot, storage.ErrClosed
	}
	if slot.Offset <= removed {
		return slot, fmt.Errorf("index: invalid log offset %d", slot.Offset)
	}
	slot.Shard = x.Shard(slot.Hash)
	s := x.shards[slot.Shard]
	if slot.Position < 0 {
		if position := s.reuse(); position >= 0 {
			slot.Position = position
		}
	}
	if slot.Position >= 0 {
		if err := s.overwrite(ctx, slot.Position, slot.Hash, slot.Offset); err != nil {
			return slot, fmt.Errorf("index: shard %d overwrite %d: %w", slot.Shard, slot.Position, err)
		}
		return slot, x.schedule(s)
	}
	position, err := s.append(ctx, slot.Hash, slot.Offset)
	if err != nil {
		return slot, err
	}
	slot.Position = position
	return slot, x.schedule(s)
}

func (x *Index) schedule(s *shard) error {
	count, _ := s.counts()
	return x.queue.Offer(s.ordinal, count, func(int) error {
		return s.writeHeader(context.Background())
	})
}

// Find visits, in slot order, every stored slot whose hash matches until visit returns true.
func (x *Index) Find(ctx context.Context, h uint32, visit func(slot Slot) (bool, error)) error {
	if x.closed.Load() {
		return storage.ErrClosed
	}
	_, err := x.visitShard(ctx, x.Shard(h), func(candidate uint32) bool { return candidate == h }, visit)
	return err
}

// Scan visits every stored slot, shard by shard, until visit returns true.
func (x *Index) Scan(ctx context.Context, visit func(slot Slot) (bool, error)) error {
	if x.closed.Load() {
		return storage.ErrClosed
	}
	for ordinal := range x.shards {
		done, err := x.visitShard(ctx, ordinal, func(uint32) bool { return true }, visit)
		if err != nil || done {
			return err
		}
	}
	return nil
}

// visitShard scans a copy of the shard region, so visit runs without the shard lock.
func (x *Index) visitShard(ctx context.Context, ordinal int, match func(h uint32) bool, visit func(slot Slot) (bool, error)) (bool, error) {
	region, err := x.shards[ordinal].snapshot(ctx)
	if err != nil {
		return false, fmt.Errorf("index: shard %d read: %w", ordinal, err)
	}
	for position := 0; position*RecordSize < len(region); position++ {
		h, offset := decodeSlot(region[position*RecordSize:])
		if offset <= removed || !match(h) {
			continue
		}
		done, err := visit(Slot{Shard: ordinal, Position: position, Hash: h, Offset: offset})
		if err != nil || done {
			return done, err
		}
	}
	return false, nil
}

// Lookup returns the first slot matching hash.
func (x *Index) Lookup(ctx context.Context, h uint32) (Slot, bool, error) {
	var found Slot
	ok := false
	err := x.Find(ctx, h, func(slot Slot) (bool, error) {
		found, ok = slot, true
		return true, nil
	})
	return found, ok, err
}

// Remove tombstones a stored slot and makes it reusable.
func (x *Index) Remove(ctx context.Context, slot Slot) error {
	if x.closed.Load() {
		return storage.ErrClosed
	}
	if slot.Position < 0 {
		return nil
	}
	s := x.shards[x.Shard(slot.Hash)]
	if err := s.overwrite(ctx, slot.Position, 0, removed); err != nil {
		return fmt.Errorf("index: shard %d remove %d: %w", s.ordinal, slot.Position, err)
	}
	s.release(slot.Position)
	return x.schedule(s)
}

// Clear zeroes every shard.
func (x *Index) Clear(ctx context.Context) error {
	if x.closed.Load() {
		return storage.ErrClosed
	}
	x.queue.Clear()
	var errs []error
	for _, s := range x.shards {
		if err := s.clear(ctx); err != nil {
			errs = append(errs, fmt.Errorf("index: shard %d clear: %w", s.ordinal, err))
		}
	}
	return errors.Join(errs...)
}

// Occupancy returns the number of live slots per shard.
func (x *Index) Occupancy() []int {
	ret := make([]int, len(x.shards))
	for i, s := range x.shards {
		count, free := s.counts()
		ret[i] = count - free
	}
	return ret
}

// Stats adds shard occupancy and grow counts to stats.
func (x *Index) Stats(stats *storage.Stats) {
	stats.ShardOccupancy = x.Occupancy()
	stats.PendingWrites += x.queue.Len()
	for _, s := range x.shards {
		stats.Grows += s.file.Grows()
	}
}

// Sync drains pending count writes and persists every shard header.
func (x *Index) Sync(ctx context.Context) error {
	if x.closed.Load() {
		return storage.ErrClosed
	}
	if err := x.queue.Flush(); err != nil {
		return err
	}
	var errs []error
	for _, s := range x.shards {
		errs = append(errs, s.writeHeader(ctx))
	}
	return errors.Join(errs...)
}

// Close drains pending writes and closes every shard.
func (x *Index) Close() error {
	if !x.closed.CompareAndSwap(false, true) {
		return nil
	}
	errs := []error{x.queue.Close()}
	for _, s := range x.shards {
		errs = append(errs, s.writeHeader(context.Background()), s.file.Close())
	}
	return errors.Join(errs...)
}
