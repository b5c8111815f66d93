package mapped

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/viant/embedkv/lock"
	"github.com/viant/embedkv/storage"
)

func openFile(t *testing.T, path string) *File {
	t.Helper()
	m, err := Open(path, Options{MinSize: 4096, GrowSize: 4096, ReaderCount: 2, Logf: t.Logf})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return m
}

func TestFile_OpenGrowsToMinSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	m := openFile(t, path)
	defer m.Close()
	if got := m.Length(); got != 4096 {
		t.Fatalf("length = %d, want 4096", got)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != 4096 {
		t.Fatalf("file size = %d, want 4096", info.Size())
	}
}

func TestFile_WriteReadAcrossGrow(t *testing.T) {
	m := openFile(t, filepath.Join(t.TempDir(), "data.bin"))
	defer m.Close()
	ctx := context.Background()
	payload := []byte("hello mapped world")
	err := m.Lock().WriteInvoke(ctx, lock.Range{Position: 100, Size: int64(len(payload))}, func() error {
		_, err := m.WriteAt(payload, 100)
		return err
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	grown, err := m.Ensure(ctx, 3500, 100)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !grown || m.Length() != 8192 {
		t.Fatalf("grown=%v length=%d, want true/8192", grown, m.Length())
	}
	buf := make([]byte, len(payload))
	err = m.Lock().ReadInvoke(ctx, lock.Range{Position: 100, Size: int64(len(buf))}, func() error {
		_, err := m.ReadAt(buf, 100)
		return err
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(buf, payload) {
		t.Fatalf("got %q, want %q", buf, payload)
	}
}

func TestFile_GrowPolicy(t *testing.T) {
	m := openFile(t, filepath.Join(t.TempDir(), "data.bin"))
	defer m.Close()
	tests := []struct {
		name      string
		watermark int64
		need      int64
		want      bool
	}{
		{name: "below ratio", watermark: 3000, need: 10, want: false},
		{name: "above ratio", watermark: 3073, need: 1, want: true},
		{name: "does not fit", watermark: 100, need: 5000, want: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := m.NeedsGrow(tc.watermark, tc.need); got != tc.want {
				t.Fatalf("NeedsGrow(%d,%d) = %v, want %v", tc.watermark, tc.need, got, tc.want)
			}
		})
	}
	if _, err := m.Ensure(context.Background(), 100, 10000); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if m.Length() < 10100 {
		t.Fatalf("length %d cannot hold requested write", m.Length())
	}
	if float64(100)/float64(m.Length()) > GrowFactor {
		t.Fatalf("ratio still above grow factor")
	}
}

func TestFile_ReopenAfterInterruptedGrow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.bin")
	m := openFile(t, path)
	payload := []byte("survives")
	if err := m.Lock().WriteInvoke(context.Background(), lock.Whole, func() error {
		_, err := m.WriteAt(payload, 10)
		return err
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// the file was extended but never remapped
	if err := os.Truncate(path, 4096+4096); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	m = openFile(t, path)
	defer m.Close()
	if m.Length() != 8192 {
		t.Fatalf("length = %d, want 8192", m.Length())
	}
	buf := make([]byte, len(payload))
	if _, err := m.ReadAt(buf, 10); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(buf, payload) {
		t.Fatalf("got %q, want %q", buf, payload)
	}
}

func TestFile_ReadBeyondLength(t *testing.T) {
	m := openFile(t, filepath.Join(t.TempDir(), "data.bin"))
	defer m.Close()
	buf := make([]byte, 16)
	n, err := m.ReadAt(buf, 4090)
	if n != 6 || !errors.Is(err, io.EOF) {
		t.Fatalf("n=%d err=%v, want 6/EOF", n, err)
	}
	if _, err := m.WriteAt(buf, 4090); err == nil {
		t.Fatalf("expected write beyond length to fail")
	}
}

func TestFile_ConcurrentReadersDuringGrow(t *testing.T) {
	m := openFile(t, filepath.Join(t.TempDir(), "data.bin"))
	defer m.Close()
	ctx := context.Background()
	payload := bytes.Repeat([]byte{0xAB}, 64)
	if err := m.Lock().WriteInvoke(ctx, lock.Whole, func() error {
		_, err := m.WriteAt(payload, 0)
		return err
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, len(payload))
			for j := 0; j < 50; j++ {
				err := m.Lock().ReadInvoke(ctx, lock.Range{Position: 0, Size: 64}, func() error {
					_, err := m.ReadAt(buf, 0)
					return err
				})
				if err != nil {
					errs <- err
					return
				}
				if !bytes.Equal(buf, payload) {
					errs <- errors.New("torn read")
					return
				}
			}
		}()
	}
	for i := int64(1); i <= 5; i++ {
		if _, err := m.Ensure(ctx, i*4096, 4096); err != nil {
			t.Fatalf("ensure: %v", err)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("reader: %v", err)
	}
}

func TestFile_Closed(t *testing.T) {
	m := openFile(t, filepath.Join(t.TempDir(), "data.bin"))
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := m.ReadAt(make([]byte, 1), 0); !errors.Is(err, storage.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := m.Ensure(context.Background(), 4000, 1000); !errors.Is(err, storage.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
