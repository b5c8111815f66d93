package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/viant/afs"
	"github.com/viant/embedkv/codec"
	"github.com/viant/embedkv/config"
	"github.com/viant/embedkv/hash"
	"github.com/viant/embedkv/index"
	"github.com/viant/embedkv/lock"
	"github.com/viant/embedkv/queue"
	"github.com/viant/embedkv/storage"
	"github.com/viant/embedkv/wal"
)

const (
	stripeCount       = 64
	maxLookupAttempts = 8
)

// Store is a persistent key-value map: values live in the write-ahead log and
// a sharded hash index maps keys to their latest record.
//
// Operations on the same key are ordered by a striped mutex; the index and log
// carry their own range locks.
type Store[K comparable, V any] struct {
	cfg      *config.Config
	log      *wal.Log
	index    *index.Index
	keys     codec.Serializer[K]
	values   codec.Serializer[V]
	hasher   hash.Hasher
	fs       afs.Service
	logf     func(format string, args ...any)
	compress bool
	stripes  [stripeCount]sync.Mutex

	collisions atomic.Uint64
	closed     atomic.Bool
}

// match is a verified index hit.
type match struct {
	slot   index.Slot
	record *wal.Record
}

// Open validates cfg, opens or creates the log and index files and recovers
// records written after the last persisted header.
func Open[K comparable, V any](ctx context.Context, cfg *config.Config, opts ...Option) (*Store[K, V], error) {
	if cfg == nil {
		return nil, fmt.Errorf("kv: config is required: %w", storage.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &options{logf: log.Printf}
	for _, opt := range opts {
		opt(o)
	}
	s := &Store[K, V]{cfg: cfg, logf: o.logf, compress: cfg.Compress, hasher: o.hasher, fs: o.fs}
	if err := s.init(o); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DirectoryPath, 0o755); err != nil {
		return nil, fmt.Errorf("kv: create %s: %w", cfg.DirectoryPath, err)
	}
	mode, _ := lock.ParseMode(cfg.LockMode)
	waterMark := queue.WaterMark{Low: cfg.WriteBehindLowWaterMark, High: cfg.WriteBehindHighWaterMark}
	var err error
	s.log, err = wal.Open(cfg.LogPath(), wal.Options{
		GrowSize:    cfg.LogGrowSize,
		ReaderCount: cfg.LogReaderCount,
		LockMode:    mode,
		LockTimeout: cfg.LockTimeout(),
		WriteDelay:  cfg.WriteBehindDelay(),
		WaterMark:   waterMark,
		Scheduler:   o.scheduler,
		Logf:        s.logf,
	})
	if err != nil {
		return nil, err
	}
	s.index, err = index.Open(cfg.IndexPath(), index.Options{
		ShardCount:  cfg.ShardCount,
		SlotSize:    cfg.IndexSlotSize,
		GrowSize:    cfg.IndexGrowSize,
		LockMode:    mode,
		LockTimeout: cfg.LockTimeout(),
		WriteDelay:  cfg.WriteBehindDelay(),
		Scheduler:   o.scheduler,
		Logf:        s.logf,
	})
	if err != nil {
		_ = s.log.Close()
		return nil, err
	}
	if err = s.recover(ctx); err != nil {
		_ = s.index.Close()
		_ = s.log.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store[K, V]) init(o *options) error {
	s.keys = codec.For[K]()
	if o.keySerializer != nil {
		keys, ok := o.keySerializer.(codec.Serializer[K])
		if !ok {
			return fmt.Errorf("kv: key serializer %T does not match key type: %w", o.keySerializer, storage.ErrInvalidConfig)
		}
		s.keys = keys
	}
	s.values = codec.For[V]()
	if o.valueSerializer != nil {
		values, ok := o.valueSerializer.(codec.Serializer[V])
		if !ok {
			return fmt.Errorf("kv: value serializer %T does not match value type: %w", o.valueSerializer, storage.ErrInvalidConfig)
		}
		s.values = values
	}
	if s.hasher == nil {
		hasher, err := hash.New(s.cfg.HashFunction)
		if err != nil {
			return err
		}
		s.hasher = hasher
	}
	if s.fs == nil {
		s.fs = afs.New()
	}
	return nil
}

// recover re-indexes records the log header had not yet covered, then
// recounts live keys, dropping index slots whose record did not survive.
// The persisted size lags removes as well as appends, so the recount runs on
// every open.
func (s *Store[K, V]) recover(ctx context.Context) error {
	if _, err := s.log.Replay(ctx, func(record *wal.Record) error {
		return s.reindex(ctx, record)
	}); err != nil {
		return fmt.Errorf("kv: replay: %w", err)
	}
	var stale []index.Slot
	live := 0
	err := s.index.Scan(ctx, func(slot index.Slot) (bool, error) {
		record, err := s.log.ReadRecord(ctx, slot.Offset)
		if err != nil || !record.Live {
			stale = append(stale, slot)
			return false, nil
		}
		live++
		return false, nil
	})
	if err != nil {
		return err
	}
	for _, slot := range stale {
		if err = s.index.Remove(ctx, slot); err != nil {
			return err
		}
	}
	if len(stale) > 0 {
		s.logf("kv: dropped %d index slots without a live record", len(stale))
	}
	if persisted := s.log.Size(); persisted != live {
		s.logf("kv: %s: persisted size %d, recounted %d", s.cfg.LogPath(), persisted, live)
		return s.log.SetSize(live)
	}
	return nil
}

func (s *Store[K, V]) reindex(ctx context.Context, record *wal.Record) error {
	if !record.Live {
		return nil
	}
	key, err := codec.DecodeKey(record.Payload)
	if err != nil {
		return nil
	}
	h := s.hasher.Sum32(key)
	found, ok, err := s.locate(ctx, h, key)
	if err != nil {
		return err
	}
	if !ok {
		_, err = s.index.Save(ctx, index.NewSlot(h, record.Offset))
		return err
	}
	if found.slot.Offset == record.Offset {
		return nil
	}
	previous := found.slot.Offset
	found.slot.Offset = record.Offset
	if _, err = s.index.Save(ctx, found.slot); err != nil {
		return err
	}
	_, err = s.log.MarkDead(ctx, previous)
	return err
}

func (s *Store[K, V]) stripe(h uint32) *sync.Mutex {
	return &s.stripes[hash.Spread(h)%stripeCount]
}

func (s *Store[K, V]) lockAll() func() {
	for i := range s.stripes {
		s.stripes[i].Lock()
	}
	return func() {
		for i := range s.stripes {
			s.stripes[i].Unlock()
		}
	}
}

// lookup is locate for readers that do not hold the key stripe. A writer
// repoints the slot before tombstoning the old record, so a dead hit means an
// update is in flight and the index is scanned again. After
// maxLookupAttempts dead hits the final scan runs under the key stripe.
func (s *Store[K, V]) lookup(ctx context.Context, h uint32, key []byte) (match, bool, error) {
	for attempt := 0; attempt < maxLookupAttempts; attempt++ {
		found, ok, dead, err := s.find(ctx, h, key)
		if err != nil || ok || !dead {
			return found, ok, err
		}
	}
	mu := s.stripe(h)
	mu.Lock()
	defer mu.Unlock()
	return s.locate(ctx, h, key)
}

// locate returns the index slot whose live record carries key; the caller holds the key stripe.
func (s *Store[K, V]) locate(ctx context.Context, h uint32, key []byte) (match, bool, error) {
	found, ok, _, err := s.find(ctx, h, key)
	return found, ok, err
}

// find scans hash matches for key. Matches with a different key are counted
// as collisions; dead reports a match whose record was tombstoned.
func (s *Store[K, V]) find(ctx context.Context, h uint32, key []byte) (found match, ok, dead bool, err error) {
	err = s.index.Find(ctx, h, func(slot index.Slot) (bool, error) {
		record, err := s.log.ReadRecord(ctx, slot.Offset)
		if err != nil {
			if errors.Is(err, storage.ErrCorrupt) {
				return false, nil
			}
			return false, err
		}
		stored, err := codec.DecodeKey(record.Payload)
		if err != nil {
			return false, nil
		}
		if !record.Live {
			dead = dead || bytes.Equal(stored, key)
			return false, nil
		}
		if !bytes.Equal(stored, key) {
			if n := s.collisions.Add(1); n&(n-1) == 0 {
				s.logf("kv: hash %#x collision between %q and %q (%d total)", h, stored, key, n)
			}
			return false, nil
		}
		found, ok = match{slot: slot, record: record}, true
		return true, nil
	})
	return found, ok, dead, err
}

// Put stores value under key, replacing any previous value.
func (s *Store[K, V]) Put(ctx context.Context, key K, value V) error {
	_, _, err := s.update(ctx, key, value, false, func(bool) bool { return true })
	return err
}

// Swap stores value under key and returns the value it replaced.
func (s *Store[K, V]) Swap(ctx context.Context, key K, value V) (V, bool, error) {
	return s.update(ctx, key, value, true, func(bool) bool { return true })
}

// PutIfAbsent stores value only when key is missing; otherwise it returns the current value.
func (s *Store[K, V]) PutIfAbsent(ctx context.Context, key K, value V) (V, bool, error) {
	previous, loaded, err := s.update(ctx, key, value, true, func(exists bool) bool { return !exists })
	if err != nil || !loaded {
		var zero V
		return zero, false, err
	}
	return previous, true, nil
}

// Replace stores value only when key exists and returns the replaced value.
func (s *Store[K, V]) Replace(ctx context.Context, key K, value V) (V, bool, error) {
	return s.update(ctx, key, value, true, func(exists bool) bool { return exists })
}

// update writes value when apply accepts the key's presence; with decode set it
// also returns the value present before the call.
func (s *Store[K, V]) update(ctx context.Context, key K, value V, decode bool, apply func(exists bool) bool) (V, bool, error) {
	var previous V
	if s.closed.Load() {
		return previous, false, storage.ErrClosed
	}
	keyBytes, err := s.keys.Serialize(key)
	if err != nil {
		return previous, false, fmt.Errorf("kv: encode key: %w", err)
	}
	valueBytes, err := s.values.Serialize(value)
	if err != nil {
		return previous, false, fmt.Errorf("kv: encode value: %w", err)
	}
	h := s.hasher.Sum32(keyBytes)
	mu := s.stripe(h)
	mu.Lock()
	defer mu.Unlock()
	found, ok, err := s.locate(ctx, h, keyBytes)
	if err != nil {
		return previous, false, err
	}
	if ok && decode {
		if previous, err = s.decodeValue(found); err != nil {
			return previous, false, err
		}
	}
	if !apply(ok) {
		return previous, ok, nil
	}
	offset, err := s.log.Append(ctx, codec.EncodeEntry(keyBytes, valueBytes, s.compress))
	if err != nil {
		return previous, ok, err
	}
	if !ok {
		if _, err = s.index.Save(ctx, index.NewSlot(h, offset)); err != nil {
			return previous, false, err
		}
		return previous, false, s.log.AddSize(1)
	}
	old := found.slot.Offset
	found.slot.Offset = offset
	if _, err = s.index.Save(ctx, found.slot); err != nil {
		return previous, true, err
	}
	_, err = s.log.MarkDead(ctx, old)
	return previous, true, err
}

func (s *Store[K, V]) decodeValue(found match) (V, error) {
	var value V
	entry, err := codec.DecodeEntry(found.record.Payload)
	if err != nil {
		return value, err
	}
	if value, err = s.values.Deserialize(entry.Value); err != nil {
		return value, fmt.Errorf("kv: decode value at %d: %w", found.slot.Offset, err)
	}
	return value, nil
}

// Get returns the value stored under key.
func (s *Store[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	var value V
	if s.closed.Load() {
		return value, false, storage.ErrClosed
	}
	keyBytes, err := s.keys.Serialize(key)
	if err != nil {
		return value, false, fmt.Errorf("kv: encode key: %w", err)
	}
	found, ok, err := s.lookup(ctx, s.hasher.Sum32(keyBytes), keyBytes)
	if err != nil || !ok {
		return value, false, err
	}
	if value, err = s.decodeValue(found); err != nil {
		return value, false, err
	}
	return value, true, nil
}

// Contains reports whether key is stored.
func (s *Store[K, V]) Contains(ctx context.Context, key K) (bool, error) {
	if s.closed.Load() {
		return false, storage.ErrClosed
	}
	keyBytes, err := s.keys.Serialize(key)
	if err != nil {
		return false, err
	}
	_, ok, err := s.lookup(ctx, s.hasher.Sum32(keyBytes), keyBytes)
	return ok, err
}

// Remove tombstones key; the record bytes stay in the log.
func (s *Store[K, V]) Remove(ctx context.Context, key K) (bool, error) {
	_, ok, err := s.remove(ctx, key, false)
	return ok, err
}

// Take removes key and returns the value it held.
func (s *Store[K, V]) Take(ctx context.Context, key K) (V, bool, error) {
	return s.remove(ctx, key, true)
}

func (s *Store[K, V]) remove(ctx context.Context, key K, decode bool) (V, bool, error) {
	var previous V
	if s.closed.Load() {
		return previous, false, storage.ErrClosed
	}
	keyBytes, err := s.keys.Serialize(key)
	if err != nil {
		return previous, false, fmt.Errorf("kv: encode key: %w", err)
	}
	h := s.hasher.Sum32(keyBytes)
	mu := s.stripe(h)
	mu.Lock()
	defer mu.Unlock()
	found, ok, err := s.locate(ctx, h, keyBytes)
	if err != nil || !ok {
		return previous, false, err
	}
	if decode {
		if previous, err = s.decodeValue(found); err != nil {
			return previous, false, err
		}
	}
	if _, err = s.log.MarkDead(ctx, found.slot.Offset); err != nil {
		return previous, false, err
	}
	if err = s.index.Remove(ctx, found.slot); err != nil {
		return previous, false, err
	}
	return previous, true, s.log.AddSize(-1)
}

// Size returns the number of live keys.
func (s *Store[K, V]) Size() int {
	return s.log.Size()
}

// Clear removes every key.
func (s *Store[K, V]) Clear(ctx context.Context) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	unlock := s.lockAll()
	defer unlock()
	if err := s.index.Clear(ctx); err != nil {
		return err
	}
	return s.log.Clear(ctx)
}

// Sync flushes pending header writes of the log and index.
func (s *Store[K, V]) Sync(ctx context.Context) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	return errors.Join(s.log.Sync(ctx), s.index.Sync(ctx))
}

// Stats returns log, index and collision counters.
func (s *Store[K, V]) Stats() storage.Stats {
	var stats storage.Stats
	s.log.Stats(&stats)
	s.index.Stats(&stats)
	stats.Collisions = s.collisions.Load()
	stats.Size = s.log.Size()
	return stats
}

// Close waits for in-flight updates, drains deferred writes and releases all files.
func (s *Store[K, V]) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	unlock := s.lockAll()
	defer unlock()
	return errors.Join(s.index.Close(), s.log.Close())
}
