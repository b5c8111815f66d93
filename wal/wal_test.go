package wal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/viant/embedkv/queue"
	"github.com/viant/embedkv/storage"
)

type idleTimer struct{}

func (idleTimer) Stop() bool { return true }

// neverFire keeps header persistence pending until Sync or Close.
var neverFire = queue.SchedulerFunc(func(time.Duration, func()) queue.Timer { return idleTimer{} })

type logBuffer struct {
	mu    sync.Mutex
	lines []string
}

func (b *logBuffer) Logf(format string, args ...any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, fmt.Sprintf(format, args...))
}

func (b *logBuffer) contains(s string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, line := range b.lines {
		if strings.Contains(line, s) {
			return true
		}
	}
	return false
}

func testOptions(logf func(string, ...any), scheduler queue.Scheduler) Options {
	return Options{
		GrowSize:    4096,
		MinSize:     4096,
		ReaderCount: 2,
		WriteDelay:  time.Millisecond,
		Scheduler:   scheduler,
		Logf:        logf,
	}
}

func openLog(t *testing.T, path string, scheduler queue.Scheduler) *Log {
	t.Helper()
	l, err := Open(path, testOptions(t.Logf, scheduler))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return l
}

func TestLog_AppendMonotonicOffsets(t *testing.T) {
	l := openLog(t, filepath.Join(t.TempDir(), "test.log"), nil)
	defer l.Close()
	ctx := context.Background()
	var previous, previousLen int64
	for i := 0; i < 200; i++ {
		payload := bytes.Repeat([]byte{byte(i)}, i%37)
		offset, err := l.Append(ctx, payload)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if i > 0 && (offset <= previous || previous+previousLen > offset) {
			t.Fatalf("append %d at %d overlaps previous %d+%d", i, offset, previous, previousLen)
		}
		if l.Position() > l.Length() {
			t.Fatalf("position %d beyond length %d", l.Position(), l.Length())
		}
		previous, previousLen = offset, recordSize(len(payload))
	}
	var stats storage.Stats
	l.Stats(&stats)
	if stats.Appends != 200 || stats.Grows == 0 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestLog_ConcurrentAppendsDoNotOverlap(t *testing.T) {
	l := openLog(t, filepath.Join(t.TempDir(), "test.log"), nil)
	defer l.Close()
	ctx := context.Background()
	var mu sync.Mutex
	offsets := map[int64]int{}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				payload := []byte(fmt.Sprintf("w%d-%d", w, i))
				offset, err := l.Append(ctx, payload)
				if err != nil {
					t.Errorf("append: %v", err)
					return
				}
				mu.Lock()
				offsets[offset] = w
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	if len(offsets) != 400 {
		t.Fatalf("distinct offsets = %d, want 400", len(offsets))
	}
	for offset := range offsets {
		record, err := l.ReadRecord(ctx, offset)
		if err != nil {
			t.Fatalf("read %d: %v", offset, err)
		}
		if !bytes.HasPrefix(record.Payload, []byte(fmt.Sprintf("w%d-", offsets[offset]))) {
			t.Fatalf("record at %d = %q", offset, record.Payload)
		}
	}
}

func TestLog_ReadCursor(t *testing.T) {
	l := openLog(t, filepath.Join(t.TempDir(), "test.log"), nil)
	defer l.Close()
	ctx := context.Background()
	offset, err := l.Append(ctx, []byte("payload"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := l.Read(ctx, nil, buf); !errors.Is(err, storage.ErrCursorNotSet) {
		t.Fatalf("expected ErrCursorNotSet, got %v", err)
	}
	if _, err := l.Read(ctx, &storage.Cursor{}, buf); !errors.Is(err, storage.ErrCursorNotSet) {
		t.Fatalf("expected ErrCursorNotSet for zero cursor, got %v", err)
	}
	cursor := storage.NewCursor(offset)
	var all []byte
	for {
		n, err := l.Read(ctx, cursor, buf)
		all = append(all, buf[:n]...)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	if int64(len(all)) != recordSize(len("payload")) {
		t.Fatalf("read %d bytes, want %d", len(all), recordSize(len("payload")))
	}
	if pos, _ := cursor.Position(); pos != l.Position() {
		t.Fatalf("cursor at %d, want tail %d", pos, l.Position())
	}
	record, err := decodeRecord(all, offset)
	if err != nil || string(record.Payload) != "payload" {
		t.Fatalf("decode = %v, %v", record, err)
	}
}

func TestLog_ReopenReplaysUnpersistedTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")
	l := openLog(t, path, neverFire)
	ctx := context.Background()
	var want [][]byte
	for i := 0; i < 5; i++ {
		payload := []byte(fmt.Sprintf("record-%d", i))
		if _, err := l.Append(ctx, payload); err != nil {
			t.Fatalf("append: %v", err)
		}
		want = append(want, payload)
	}
	// the header still points at the start; copy the file as a crash image
	image, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read image: %v", err)
	}
	_ = l.Close()
	crashed := filepath.Join(dir, "crashed.log")
	if err := os.WriteFile(crashed, image, 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}
	l = openLog(t, crashed, nil)
	defer l.Close()
	if l.Position() != HeaderSize {
		t.Fatalf("persisted position = %d, want %d", l.Position(), HeaderSize)
	}
	var got [][]byte
	count, err := l.Replay(ctx, func(record *Record) error {
		got = append(got, append([]byte(nil), record.Payload...))
		return nil
	})
	if err != nil || count != len(want) {
		t.Fatalf("replay = %d, %v", count, err)
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Fatalf("record %d = %q, want %q", i, got[i], want[i])
		}
	}
	if count, _ = l.Replay(ctx, func(*Record) error { return nil }); count != 0 {
		t.Fatalf("second replay found %d records", count)
	}
}

func TestLog_CorruptHeaderRecovered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	l := openLog(t, path, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := l.Append(ctx, []byte{byte(i)}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	_, _ = f.WriteAt([]byte("JUNKJUNK"), 0)
	_ = f.Close()

	logs := &logBuffer{}
	l, err = Open(path, testOptions(logs.Logf, nil))
	if err != nil {
		t.Fatalf("reopen with corrupt header: %v", err)
	}
	defer l.Close()
	if !logs.contains("replaced with fresh header") {
		t.Fatalf("corruption not logged: %v", logs.lines)
	}
	count, err := l.Replay(ctx, func(*Record) error { return nil })
	if err != nil || count != 3 {
		t.Fatalf("replay after corruption = %d, %v", count, err)
	}
}

func TestLog_ClearStartsNewEpoch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	l := openLog(t, path, nil)
	ctx := context.Background()
	offset, _ := l.Append(ctx, []byte("old"))
	_ = l.AddSize(1)
	if err := l.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if l.Position() != HeaderSize || l.Size() != 0 {
		t.Fatalf("after clear position=%d size=%d", l.Position(), l.Size())
	}
	if _, err := l.ReadRecord(ctx, offset); !errors.Is(err, storage.ErrCorrupt) {
		t.Fatalf("cleared record still readable: %v", err)
	}
	_ = l.Close()
	l = openLog(t, path, nil)
	defer l.Close()
	count, err := l.Replay(ctx, func(*Record) error { return nil })
	if err != nil || count != 0 {
		t.Fatalf("replay resurrected %d cleared records (%v)", count, err)
	}
}

func TestLog_MarkDeadAndReadBefore(t *testing.T) {
	l := openLog(t, filepath.Join(t.TempDir(), "test.log"), nil)
	defer l.Close()
	ctx := context.Background()
	var offsets []int64
	for i := 0; i < 3; i++ {
		offset, err := l.Append(ctx, []byte{byte('a' + i)})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		offsets = append(offsets, offset)
	}
	if marked, err := l.MarkDead(ctx, offsets[1]); err != nil || !marked {
		t.Fatalf("mark dead = %v, %v", marked, err)
	}
	if marked, _ := l.MarkDead(ctx, offsets[1]); marked {
		t.Fatalf("second tombstone reported a change")
	}
	var got []string
	for offset := l.Position(); ; {
		record, err := l.ReadBefore(ctx, offset)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("read before %d: %v", offset, err)
		}
		got = append(got, fmt.Sprintf("%s:%v", record.Payload, record.Live))
		offset = record.Offset
	}
	if strings.Join(got, ",") != "c:true,b:false,a:true" {
		t.Fatalf("backward scan = %v", got)
	}
}

func TestLog_Closed(t *testing.T) {
	l := openLog(t, filepath.Join(t.TempDir(), "test.log"), nil)
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := l.Append(context.Background(), []byte("x")); !errors.Is(err, storage.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
