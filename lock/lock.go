package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/viant/embedkv/storage"
)

// Mode selects the layers a Composite lock combines.
type Mode int

const (
	// InProcess guards ranges with an in-process reader/writer lock.
	InProcess Mode = 1 << iota
	// FileRange guards ranges with an OS advisory file range lock.
	FileRange
	// Both nests the OS lock inside the in-process lock.
	Both = InProcess | FileRange
)

// Has reports whether flag is enabled.
func (m Mode) Has(flag Mode) bool {
	return m&flag == flag
}

// ParseMode converts a configuration value into a Mode.
func ParseMode(value string) (Mode, error) {
	switch value {
	case "", "inProcess", "in_process", "IN_PROCESS":
		return InProcess, nil
	case "fileRange", "file_range", "FILE_RANGE":
		return FileRange, nil
	case "both", "BOTH":
		return Both, nil
	}
	return 0, fmt.Errorf("lock: unsupported mode %q", value)
}

const (
	minBackoff = 50 * time.Microsecond
	maxBackoff = 5 * time.Millisecond
)

// Composite combines an in-process range lock with an optional OS file range lock.
//
// The in-process layer is always acquired first and released last; the OS
// layer nests inside it.
type Composite struct {
	mode     Mode
	file     *os.File
	registry *Registry
	timeout  time.Duration
}

// Option configures a Composite lock.
type Option func(c *Composite)

// WithMode selects the lock layers.
func WithMode(mode Mode) Option {
	return func(c *Composite) { c.mode = mode }
}

// WithFile sets the file used by the FileRange layer.
func WithFile(f *os.File) Option {
	return func(c *Composite) { c.file = f }
}

// WithTimeout bounds every acquisition; zero or negative waits indefinitely.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Composite) { c.timeout = timeout }
}

// New creates a Composite lock over registry.
func New(registry *Registry, opts ...Option) (*Composite, error) {
	c := &Composite{mode: InProcess, registry: registry}
	for _, opt := range opts {
		opt(c)
	}
	if c.registry == nil {
		c.registry = NewRegistry()
	}
	if c.mode&Both == 0 {
		return nil, fmt.Errorf("lock: no layer enabled")
	}
	if c.mode.Has(FileRange) && c.file == nil {
		return nil, fmt.Errorf("lock: file range mode requires a file")
	}
	return c, nil
}

// Mode returns the enabled layers.
func (c *Composite) Mode() Mode {
	return c.mode
}

// Registry returns the owned range registry.
func (c *Composite) Registry() *Registry {
	return c.registry
}

// Handle is a held lock; Release must be called exactly once.
type Handle struct {
	owner  *Composite
	entry  *entry
	rg     Range
	shared bool
	osHeld bool
}

// Acquire locks rg in shared (read) or exclusive (write) mode.
func (c *Composite) Acquire(ctx context.Context, rg Range, shared bool) (*Handle, error) {
	if err := rg.validate(); err != nil {
		return nil, err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	h := &Handle{owner: c, rg: rg, shared: shared}
	if c.mode.Has(InProcess) {
		e, ticket, err := c.registry.join(ctx, rg)
		if err != nil {
			return nil, timeoutError(err, rg)
		}
		err = lockEntry(ctx, e, shared)
		c.registry.dequeue(ticket)
		if err != nil {
			c.registry.leave(e)
			return nil, timeoutError(err, rg)
		}
		h.entry = e
	}
	if c.mode.Has(FileRange) {
		if err := c.lockFile(ctx, rg, shared); err != nil {
			if h.entry != nil {
				unlockEntry(h.entry, shared)
				c.registry.leave(h.entry)
			}
			return nil, timeoutError(err, rg)
		}
		h.osHeld = true
	}
	return h, nil
}

// Release unlocks the OS layer first, then the in-process layer.
func (h *Handle) Release() error {
	c := h.owner
	var err error
	if h.osHeld {
		err = c.unlockFile(h)
	}
	if h.entry != nil {
		unlockEntry(h.entry, h.shared)
		c.registry.leave(h.entry)
	}
	return err
}

// ReadInvoke runs fn while holding rg in shared mode.
func (c *Composite) ReadInvoke(ctx context.Context, rg Range, fn func() error) error {
	return c.invoke(ctx, rg, true, fn)
}

// WriteInvoke runs fn while holding rg in exclusive mode.
func (c *Composite) WriteInvoke(ctx context.Context, rg Range, fn func() error) error {
	return c.invoke(ctx, rg, false, fn)
}

func (c *Composite) invoke(ctx context.Context, rg Range, shared bool, fn func() error) (err error) {
	h, err := c.Acquire(ctx, rg, shared)
	if err != nil {
		return err
	}
	defer func() {
		if rErr := h.Release(); rErr != nil && err == nil {
			err = rErr
		}
	}()
	return fn()
}

func (c *Composite) lockFile(ctx context.Context, rg Range, shared bool) error {
	if c.timeout <= 0 && ctx.Done() == nil {
		return lockFileRange(c.file, rg, shared, true)
	}
	return poll(ctx, func() (bool, error) {
		err := lockFileRange(c.file, rg, shared, false)
		if errors.Is(err, errWouldBlock) {
			return false, nil
		}
		return err == nil, err
	})
}

func (c *Composite) unlockFile(h *Handle) error {
	if releasePerHolder || h.entry == nil {
		return unlockFileRange(c.file, h.rg)
	}
	return c.registry.ifLast(h.entry, func(span Range) error {
		return unlockFileRange(c.file, span)
	})
}

func lockEntry(ctx context.Context, e *entry, shared bool) error {
	if ctx.Done() == nil {
		if shared {
			e.rw.RLock()
		} else {
			e.rw.Lock()
		}
		return nil
	}
	return poll(ctx, func() (bool, error) {
		if shared {
			return e.rw.TryRLock(), nil
		}
		return e.rw.TryLock(), nil
	})
}

func unlockEntry(e *entry, shared bool) {
	if shared {
		e.rw.RUnlock()
		return
	}
	e.rw.Unlock()
}

// poll retries try with exponential backoff until it succeeds or ctx is done.
func poll(ctx context.Context, try func() (bool, error)) error {
	backoff := minBackoff
	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

func timeoutError(err error, rg Range) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("lock %v: %w", rg, storage.ErrLockTimeout)
	}
	return err
}
