package kv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/viant/afs/file"
	"github.com/viant/afs/url"
	"github.com/viant/embedkv/codec"
	"github.com/viant/embedkv/storage"
)

// Scan visits live entries newest first, skipping the first offset entries and
// stopping after limit entries (limit <= 0 means no limit) or when fn returns false.
func (s *Store[K, V]) Scan(ctx context.Context, offset, limit int, fn func(key K, value V) (bool, error)) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	position := s.log.Position()
	skipped, visited := 0, 0
	for {
		if limit > 0 && visited >= limit {
			return nil
		}
		record, err := s.log.ReadBefore(ctx, position)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("kv: scan before %d: %w", position, err)
		}
		position = record.Offset
		if !record.Live {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		entry, err := codec.DecodeEntry(record.Payload)
		if err != nil {
			return err
		}
		key, err := s.keys.Deserialize(entry.Key)
		if err != nil {
			return fmt.Errorf("kv: decode key at %d: %w", record.Offset, err)
		}
		value, err := s.values.Deserialize(entry.Value)
		if err != nil {
			return fmt.Errorf("kv: decode value at %d: %w", record.Offset, err)
		}
		visited++
		next, err := fn(key, value)
		if err != nil || !next {
			return err
		}
	}
}

// Backup syncs the store and uploads the log and shard files under destURL,
// keeping their relative layout. Updates are blocked while the copy runs.
func (s *Store[K, V]) Backup(ctx context.Context, destURL string) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	unlock := s.lockAll()
	defer unlock()
	if err := s.Sync(ctx); err != nil {
		return err
	}
	sources := append([]string{s.log.Path()}, s.index.Paths()...)
	for _, source := range sources {
		relative, err := filepath.Rel(s.cfg.DirectoryPath, source)
		if err != nil {
			return err
		}
		target := url.Join(destURL, filepath.ToSlash(relative))
		if err = s.upload(ctx, source, target); err != nil {
			return fmt.Errorf("kv: backup %s: %w", source, err)
		}
	}
	s.logf("kv: backed up %d files to %s", len(sources), strings.TrimRight(destURL, "/"))
	return nil
}

func (s *Store[K, V]) upload(ctx context.Context, source, target string) error {
	f, err := os.Open(source)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.fs.Upload(ctx, target, file.DefaultFileOsMode, f)
}
