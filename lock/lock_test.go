package lock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/viant/embedkv/storage"
)

func newLock(t *testing.T, opts ...Option) *Composite {
	t.Helper()
	c, err := New(NewRegistry(), opts...)
	if err != nil {
		t.Fatalf("new lock: %v", err)
	}
	return c
}

func TestRange_Overlaps(t *testing.T) {
	tests := []struct {
		name string
		a, b Range
		want bool
	}{
		{name: "disjoint", a: Range{0, 10}, b: Range{10, 5}, want: false},
		{name: "nested", a: Range{0, 100}, b: Range{10, 5}, want: true},
		{name: "partial", a: Range{0, 10}, b: Range{9, 5}, want: true},
		{name: "whole", a: Whole, b: Range{1 << 40, 1}, want: true},
		{name: "from", a: from(256), b: Range{0, 256}, want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.a.Overlaps(tc.b); got != tc.want {
				t.Fatalf("%v overlaps %v = %v, want %v", tc.a, tc.b, got, tc.want)
			}
			if got := tc.b.Overlaps(tc.a); got != tc.want {
				t.Fatalf("%v overlaps %v = %v, want %v", tc.b, tc.a, got, tc.want)
			}
		})
	}
}

func TestComposite_ExclusiveSerializes(t *testing.T) {
	c := newLock(t)
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rg := Range{Position: int64(i % 4), Size: 8}
			_ = c.WriteInvoke(context.Background(), rg, func() error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
		}(i)
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("overlapping writers ran concurrently: max=%d", maxInside)
	}
	if n := c.Registry().Len(); n != 0 {
		t.Fatalf("registry not drained: %d", n)
	}
}

func TestComposite_DisjointRangesDoNotContend(t *testing.T) {
	c := newLock(t, WithTimeout(50*time.Millisecond))
	h, err := c.Acquire(context.Background(), Range{0, 10}, false)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer h.Release()
	if err := c.WriteInvoke(context.Background(), Range{20, 10}, func() error { return nil }); err != nil {
		t.Fatalf("disjoint write: %v", err)
	}
	if n := c.Registry().Len(); n != 1 {
		t.Fatalf("registry len = %d, want 1", n)
	}
}

func TestComposite_OverlapReusesEntryAndTimesOut(t *testing.T) {
	c := newLock(t, WithTimeout(20*time.Millisecond))
	h, err := c.Acquire(context.Background(), Range{0, 10}, false)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	err = c.ReadInvoke(context.Background(), Range{5, 10}, func() error { return nil })
	if !errors.Is(err, storage.ErrLockTimeout) {
		t.Fatalf("expected lock timeout, got %v", err)
	}
	if n := c.Registry().Len(); n != 1 {
		t.Fatalf("registry len = %d, want 1", n)
	}
	if err := h.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := c.ReadInvoke(context.Background(), Range{5, 10}, func() error { return nil }); err != nil {
		t.Fatalf("read after release: %v", err)
	}
}

func TestComposite_SpanningRequestWaitsForDrain(t *testing.T) {
	c := newLock(t)
	left, err := c.Acquire(context.Background(), Range{0, 10}, true)
	if err != nil {
		t.Fatalf("acquire left: %v", err)
	}
	right, err := c.Acquire(context.Background(), Range{20, 10}, true)
	if err != nil {
		t.Fatalf("acquire right: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		done <- c.WriteInvoke(context.Background(), Whole, func() error { return nil })
	}()
	select {
	case err := <-done:
		t.Fatalf("whole range acquired while readers held: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	_ = left.Release()
	_ = right.Release()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("whole range: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("whole range never acquired")
	}
}

func TestComposite_SpanningRequestNotStarvedByJoiners(t *testing.T) {
	c := newLock(t)
	ctx := context.Background()
	left, err := c.Acquire(ctx, Range{0, 10}, true)
	if err != nil {
		t.Fatalf("acquire left: %v", err)
	}
	right, err := c.Acquire(ctx, Range{20, 10}, true)
	if err != nil {
		t.Fatalf("acquire right: %v", err)
	}
	var order []string
	var mu sync.Mutex
	record := func(name string) func() error {
		return func() error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	whole := make(chan error, 1)
	go func() { whole <- c.WriteInvoke(ctx, Whole, record("whole")) }()
	deadline := time.Now().Add(time.Second)
	for {
		c.registry.mu.Lock()
		queued := len(c.registry.queued)
		c.registry.mu.Unlock()
		if queued == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("spanning request never queued")
		}
		time.Sleep(time.Millisecond)
	}

	// A new reader of a held range and a reader of a fresh range would both
	// keep the spanning request waiting, so they queue behind it.
	joiners := make(chan error, 2)
	go func() { joiners <- c.ReadInvoke(ctx, Range{0, 10}, record("join")) }()
	go func() { joiners <- c.ReadInvoke(ctx, Range{40, 10}, record("fresh")) }()
	select {
	case err := <-joiners:
		t.Fatalf("reader admitted ahead of a queued spanning request: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	if n := c.Registry().Len(); n != 2 {
		t.Fatalf("registry len = %d, want the 2 original entries", n)
	}
	_ = left.Release()
	_ = right.Release()
	for i := 0; i < 3; i++ {
		var err error
		select {
		case err = <-whole:
		case err = <-joiners:
		case <-time.After(time.Second):
			t.Fatalf("lock %d never acquired", i)
		}
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
	}
	if len(order) != 3 || order[0] != "whole" {
		t.Fatalf("order = %v, want whole first", order)
	}
	if n := c.Registry().Len(); n != 0 {
		t.Fatalf("registry len = %d after release", n)
	}
}

func TestComposite_CancelledSpanningRequestUnblocksJoiners(t *testing.T) {
	c := newLock(t, WithTimeout(30*time.Millisecond))
	ctx := context.Background()
	left, err := c.Acquire(ctx, Range{0, 10}, true)
	if err != nil {
		t.Fatalf("acquire left: %v", err)
	}
	defer left.Release()
	right, err := c.Acquire(ctx, Range{20, 10}, true)
	if err != nil {
		t.Fatalf("acquire right: %v", err)
	}
	defer right.Release()
	if err := c.WriteInvoke(ctx, Whole, func() error { return nil }); !errors.Is(err, storage.ErrLockTimeout) {
		t.Fatalf("whole = %v, want lock timeout", err)
	}
	if err := c.ReadInvoke(ctx, Range{0, 10}, func() error { return nil }); err != nil {
		t.Fatalf("reader after timed out spanning request: %v", err)
	}
}

func TestComposite_SharedReadersRunTogether(t *testing.T) {
	c := newLock(t, WithTimeout(time.Second))
	h, err := c.Acquire(context.Background(), Range{0, 100}, true)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer h.Release()
	if err := c.ReadInvoke(context.Background(), Range{50, 100}, func() error { return nil }); err != nil {
		t.Fatalf("second reader: %v", err)
	}
}

func TestComposite_ReleasedOnErrorAndPanic(t *testing.T) {
	c := newLock(t, WithTimeout(50*time.Millisecond))
	boom := errors.New("boom")
	if err := c.WriteInvoke(context.Background(), Whole, func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	func() {
		defer func() { _ = recover() }()
		_ = c.WriteInvoke(context.Background(), Whole, func() error { panic("fail") })
	}()
	if err := c.WriteInvoke(context.Background(), Whole, func() error { return nil }); err != nil {
		t.Fatalf("lock leaked: %v", err)
	}
}

func TestComposite_BothLayers(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "lock.dat"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	c := newLock(t, WithMode(Both), WithFile(f))
	var wg sync.WaitGroup
	var counter int
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.WriteInvoke(context.Background(), Range{0, 256}, func() error {
				counter++
				return nil
			})
			_ = c.ReadInvoke(context.Background(), from(256), func() error { return nil })
		}()
	}
	wg.Wait()
	if counter != 8 {
		t.Fatalf("counter = %d, want 8", counter)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(NewRegistry(), WithMode(FileRange)); err == nil {
		t.Fatalf("expected error for file range mode without file")
	}
	if _, err := ParseMode("bogus"); err == nil {
		t.Fatalf("expected error for bogus mode")
	}
	mode, err := ParseMode("BOTH")
	if err != nil || !mode.Has(InProcess) || !mode.Has(FileRange) {
		t.Fatalf("parse BOTH = %v, %v", mode, err)
	}
}
