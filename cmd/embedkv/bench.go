package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/viant/embedkv/kv"
)

func benchCmd(args []string) {
	flags := flag.NewFlagSet("bench", flag.ExitOnError)
	sf := newStoreFlags(flags)
	count := flags.Int("n", 10000, "keys to write")
	workers := flags.Int("workers", 4, "concurrent writers")
	valueSize := flags.Int("value-size", 128, "value size in bytes")
	flags.Parse(args)
	if *count <= 0 || *workers <= 0 {
		flags.Usage()
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	sf.run(ctx, "bench", flags, func(store *kv.Store[string, string]) error {
		keys := make([]string, *count)
		for i := range keys {
			keys[i] = uuid.NewString()
		}
		value := strings.Repeat("v", *valueSize)

		putElapsed, err := runParallel(ctx, keys, *workers, func(ctx context.Context, key string) error {
			return store.Put(ctx, key, value)
		})
		if err != nil {
			return fmt.Errorf("put: %w", err)
		}
		getElapsed, err := runParallel(ctx, keys, *workers, func(ctx context.Context, key string) error {
			_, ok, err := store.Get(ctx, key)
			if err == nil && !ok {
				err = fmt.Errorf("key %s lost", key)
			}
			return err
		})
		if err != nil {
			return fmt.Errorf("get: %w", err)
		}
		if err = store.Sync(ctx); err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		report(store, len(keys), putElapsed, getElapsed)
		return nil
	})
}

func runParallel(ctx context.Context, keys []string, workers int, op func(ctx context.Context, key string) error) (time.Duration, error) {
	started := time.Now()
	work := make(chan string)
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for key := range work {
				if err := op(ctx, key); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	var err error
feed:
	for _, key := range keys {
		select {
		case work <- key:
		case err = <-errs:
			break feed
		case <-ctx.Done():
			err = ctx.Err()
			break feed
		}
	}
	close(work)
	wg.Wait()
	if err == nil {
		select {
		case err = <-errs:
		default:
		}
	}
	return time.Since(started), err
}

func report(store *kv.Store[string, string], n int, putElapsed, getElapsed time.Duration) {
	stats := store.Stats()
	fmt.Fprintf(stdout, "put: %d keys in %s (%.0f ops/s)\n", n, putElapsed, float64(n)/putElapsed.Seconds())
	fmt.Fprintf(stdout, "get: %d keys in %s (%.0f ops/s)\n", n, getElapsed, float64(n)/getElapsed.Seconds())
	fmt.Fprintf(stdout, "size=%d log_position=%d grows=%d collisions=%d bytes_written=%d\n",
		stats.Size, stats.LogPosition, stats.Grows, stats.Collisions, stats.BytesWritten)
}
