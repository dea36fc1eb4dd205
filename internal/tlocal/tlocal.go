// Package tlocal implements the Thread-Local Slot: a signal-safe place to
// stash one pointer-sized value per OS thread, for contexts where Go's
// goroutine-local storage (there isn't any) or a plain map-with-mutex
// would be unsafe to touch from within a signal handler.
//
// Slots are claimed by CAS and never freed, only released back to the
// free pool, so a concurrent reader can always safely walk the list.
package tlocal

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

const empty = -1

type slot struct {
	tid atomic.Int64
	val atomic.Pointer[any]
	next atomic.Pointer[slot]
}

// Table is the set of thread-local slots for one logical TLS variable.
// The zero value is not usable; use New.
//
// Deviation from the source: dspd_gettid() identifies a pthread, which
// lives for the lifetime of its thread function. A goroutine calling
// unix.Gettid() gets the OS thread it happens to be running on *right
// now*; unless the caller has pinned itself with runtime.LockOSThread,
// a later call from the same goroutine can observe a different tid. Set
// and Clear must therefore be called by goroutines that have locked
// themselves to their OS thread, exactly like the pthreads this mirrors.
type Table struct {
	mu   sync.Mutex
	head atomic.Pointer[slot]
}

// New creates an empty Table.
func New() *Table { return &Table{} }

func gettid() int64 {
	return int64(unix.Gettid())
}

// Get returns the value claimed by the calling OS thread, or nil if no
// slot is claimed for it. Safe to call from a signal handler: it only
// reads atomics and follows next pointers that are never freed.
func (t *Table) Get() any {
	tid := gettid()
	for s := t.head.Load(); s != nil; s = s.next.Load() {
		if s.tid.Load() == tid {
			if p := s.val.Load(); p != nil {
				return *p
			}
			return nil
		}
	}
	return nil
}

// Set claims a slot for the calling OS thread and stores v in it, reusing
// a released slot if one is free. Must not be called from a signal
// handler (it takes a mutex and may allocate).
func (t *Table) Set(v any) {
	tid := gettid()
	t.mu.Lock()
	defer t.mu.Unlock()

	var tail *slot
	for s := t.head.Load(); s != nil; s = s.next.Load() {
		if s.tid.CompareAndSwap(empty, tid) {
			s.val.Store(&v)
			return
		}
		tail = s
	}
	ns := &slot{}
	ns.tid.Store(tid)
	ns.val.Store(&v)
	if tail == nil {
		t.head.Store(ns)
	} else {
		tail.next.Store(ns)
	}
}

// Clear releases the calling OS thread's slot, if it holds one, back to
// the free pool. Must be called before the thread exits or is reused for
// an unrelated purpose (source: "slot must be manually released").
func (t *Table) Clear() {
	tid := gettid()
	t.mu.Lock()
	defer t.mu.Unlock()
	for s := t.head.Load(); s != nil; s = s.next.Load() {
		if s.tid.CompareAndSwap(tid, empty) {
			s.val.Store(nil)
			return
		}
	}
}
