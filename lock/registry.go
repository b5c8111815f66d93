package lock

import (
	"context"
	"sync"
)

// Registry tracks the ranges of one file that are currently locked or awaited.
//
// Tracked ranges never overlap each other. A request overlapping exactly one
// tracked range joins it (widening it to the union), a request overlapping
// none creates a new entry, and a request overlapping several queues until
// they drain. Later requests overlapping a queued span wait behind it instead
// of joining, so the entries it waits on cannot be refilled. Entries are
// dropped once nobody holds or awaits them, so the table is bounded by the
// ranges actually in use.
//
// Each log file and each index shard owns its own Registry.
type Registry struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries []*entry
	queued  []*Range
}

type entry struct {
	span Range
	rw   sync.RWMutex
	refs int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Len returns the number of tracked ranges.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// join returns the entry covering rg. A non-nil ticket marks a spanning
// request that stays queued, holding back later overlapping requests, until
// the caller has locked the entry and passes the ticket to dequeue.
func (r *Registry) join(ctx context.Context, rg Range) (e *entry, ticket *Range, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stop func() bool
	var self *Range
	defer func() {
		if stop != nil {
			stop()
		}
		if err != nil && self != nil {
			r.remove(self)
		}
	}()
	for {
		var found *entry
		overlapping := 0
		for _, candidate := range r.entries {
			if candidate.span.Overlaps(rg) {
				found = candidate
				overlapping++
			}
		}
		if !r.behindQueued(self, rg) {
			switch overlapping {
			case 0:
				e = &entry{span: rg, refs: 1}
				r.entries = append(r.entries, e)
				return e, self, nil
			case 1:
				found.span = found.span.union(rg)
				found.refs++
				return found, self, nil
			}
		}
		if overlapping > 1 && self == nil {
			self = &Range{Position: rg.Position, Size: rg.Size}
			r.queued = append(r.queued, self)
		}
		if err = ctx.Err(); err != nil {
			return nil, nil, err
		}
		if stop == nil && ctx.Done() != nil {
			stop = context.AfterFunc(ctx, func() {
				r.mu.Lock()
				r.cond.Broadcast()
				r.mu.Unlock()
			})
		}
		r.cond.Wait()
	}
}

// behindQueued reports whether rg overlaps a spanning request queued ahead of
// self; a nil self is behind every queued request. r.mu must be held.
func (r *Registry) behindQueued(self *Range, rg Range) bool {
	for _, q := range r.queued {
		if q == self {
			return false
		}
		if q.Overlaps(rg) {
			return true
		}
	}
	return false
}

// dequeue drops a granted spanning request and admits the requests behind it.
func (r *Registry) dequeue(ticket *Range) {
	if ticket == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remove(ticket)
}

// remove drops self from the spanning queue; r.mu must be held.
func (r *Registry) remove(self *Range) {
	for i, q := range r.queued {
		if q == self {
			r.queued = append(r.queued[:i], r.queued[i+1:]...)
			break
		}
	}
	r.cond.Broadcast()
}

// ifLast runs fn while no other goroutine can join e, but only when the caller
// is its sole holder. OS record locks are owned by the process, so they may only
// be dropped once the whole entry drains.
func (r *Registry) ifLast(e *entry, fn func(span Range) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.refs != 1 {
		return nil
	}
	return fn(e.span)
}

func (r *Registry) leave(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		for i, candidate := range r.entries {
			if candidate == e {
				r.entries = append(r.entries[:i], r.entries[i+1:]...)
				break
			}
		}
	}
	r.cond.Broadcast()
}
