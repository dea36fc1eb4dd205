// Package slottable implements the Keyed Slot Table: a fixed-capacity object
// table addressable by small integer index, with per-slot reference
// counting, a reader/writer lock protecting the slot's payload, and a
// per-slot "keyed" lock that only a caller presenting the slot's current key
// may acquire. No other package in this module uses it.
package slottable

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// ErrNoFreeSlot is returned by GetFree when the table is full.
var ErrNoFreeSlot = errors.New("slottable: no free slot")

// ErrWrongKey is returned when a keyed-lock acquire presents a stale key.
var ErrWrongKey = errors.New("slottable: wrong key")

// CtlFunc dispatches a control request to a slot's private data. It mirrors
// the original dspd_slist_ctl callback signature, generalized to Go.
type CtlFunc func(rctx any, req uint32, inbuf []byte, outbuf []byte) (n int, err error)

type entry struct {
	mu         sync.RWMutex // protects data/destructor/ctl while used==true
	rw         sync.RWMutex // the slot's own content rwlock, separate from the keyed realtime lock
	used       atomic.Bool
	data       any
	destructor func(any)
	ctl        CtlFunc

	refcount atomic.Uint32
	slotID   atomic.Uint64 // strictly increasing generation, bumped on every GetFree

	keyHeld atomic.Bool
	key     atomic.Uint64
}

// Table is a fixed-capacity keyed slot table.
type Table struct {
	entries  []*entry
	nextID   atomic.Uint64
	freeMu   sync.Mutex
	freeNext int // set to n by New; GetFree does not read it (its scan starts at whence)
}

// New creates a Table with n slots, all initially free.
func New(n int) *Table {
	t := &Table{entries: make([]*entry, n)}
	for i := range t.entries {
		t.entries[i] = &entry{}
	}
	t.freeNext = n
	return t
}

// Len returns the table's fixed capacity.
func (t *Table) Len() int { return len(t.entries) }

// GetFree finds a free slot, marks it used, assigns it a new strictly
// increasing slot id, and returns its index. whence mirrors the original
// direction hint; this port accepts any int and uses it only as a
// scan-start hint.
func (t *Table) GetFree(whence int) (int, error) {
	t.freeMu.Lock()
	defer t.freeMu.Unlock()

	n := len(t.entries)
	start := whence % n
	if start < 0 {
		start = 0
	}
	for i := 0; i < n; i++ {
		idx := (start - i + n) % n
		e := t.entries[idx]
		if e.used.CompareAndSwap(false, true) {
			e.refcount.Store(1)
			e.slotID.Store(t.nextID.Add(1))
			return idx, nil
		}
	}
	return 0, ErrNoFreeSlot
}

// SetUsed forces a slot's used flag. Used by the caller to release a slot it
// reserved via GetFree but failed to populate, or to mark a freshly-emptied
// slot reusable again.
func (t *Table) SetUsed(i int, used bool) {
	e := t.entries[i]
	e.used.Store(used)
	if !used {
		e.mu.Lock()
		e.data = nil
		e.destructor = nil
		e.ctl = nil
		e.mu.Unlock()
		e.refcount.Store(0)
	}
}

// SetPointers stores the slot's payload and ctl callback (the original's
// separate "server_ops"/"client_ops" pointers are folded into a single
// typed payload in this port; callers type-assert Data() as needed).
func (t *Table) SetPointers(i int, data any, destructor func(any), ctl CtlFunc) {
	e := t.entries[i]
	e.mu.Lock()
	defer e.mu.Unlock()
	e.data = data
	e.destructor = destructor
	e.ctl = ctl
}

// Data returns the slot's payload.
func (t *Table) Data(i int) any {
	e := t.entries[i]
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.data
}

// Ref increments the slot's reference count and returns the new value.
func (t *Table) Ref(i int) uint32 {
	return t.entries[i].refcount.Add(1)
}

// Unref decrements the slot's reference count. At zero it runs the
// destructor (if any) and frees the slot for reuse.
func (t *Table) Unref(i int) uint32 {
	e := t.entries[i]
	n := e.refcount.Add(^uint32(0)) // -1
	if n == 0 {
		e.mu.Lock()
		d, data := e.destructor, e.data
		e.data, e.destructor, e.ctl = nil, nil, nil
		e.mu.Unlock()
		if d != nil {
			d(data)
		}
		e.used.Store(false)
		e.keyHeld.Store(false)
	}
	return n
}

// Refcnt returns the slot's current reference count.
func (t *Table) Refcnt(i int) uint32 { return t.entries[i].refcount.Load() }

// SlotID returns the slot's current generation id. It strictly increases
// on every successful GetFree for that index.
func (t *Table) SlotID(i int) uint64 { return t.entries[i].slotID.Load() }

// SetKey rotates a slot's keyed-lock key. Later SrvLockKeyed calls that
// present the old key fail; a caller already holding the keyed lock keeps
// it until SrvUnlock.
func (t *Table) SetKey(i int, key uint64) {
	e := t.entries[i]
	e.key.Store(key)
}

// Key returns the slot's current key.
func (t *Table) Key(i int) uint64 { return t.entries[i].key.Load() }

// SrvLockKeyed acquires the slot's keyed lock only if key matches the slot's
// current key. A realtime caller that fails this check must skip the slot
// rather than block.
func (t *Table) SrvLockKeyed(i int, key uint64) bool {
	e := t.entries[i]
	if e.key.Load() != key {
		return false
	}
	if !e.keyHeld.CompareAndSwap(false, true) {
		return false
	}
	if e.key.Load() != key {
		// Key rotated between the load above and the CAS; release and fail.
		e.keyHeld.Store(false)
		return false
	}
	return true
}

// SrvTryLockKeyed is an alias for SrvLockKeyed kept for parity with the
// original API's separate try-lock entry point; both are non-blocking here.
func (t *Table) SrvTryLockKeyed(i int, key uint64) bool { return t.SrvLockKeyed(i, key) }

// SrvUnlock releases a keyed lock acquired via SrvLockKeyed.
func (t *Table) SrvUnlock(i int) {
	t.entries[i].keyHeld.Store(false)
}

// RdLock/WrLock/RwUnlock protect the slot's content against concurrent
// readers/writers of Data(), independent of the keyed realtime lock above.
func (t *Table) RdLock(i int)   { t.entries[i].rw.RLock() }
func (t *Table) WrLock(i int)   { t.entries[i].rw.Lock() }
func (t *Table) RwUnlock(i int) { t.entries[i].rw.Unlock() } // caller must match Rd/Wr

// Ctl dispatches a control request to the slot's registered CtlFunc. If the
// slot is empty or has no CtlFunc, it invokes nothing, writes nothing to
// outbuf, and returns io.ErrClosedPipe.
func (t *Table) Ctl(i int, rctx any, req uint32, inbuf, outbuf []byte) (int, error) {
	e := t.entries[i]
	e.mu.RLock()
	ctl := e.ctl
	used := e.used.Load()
	e.mu.RUnlock()
	if !used || ctl == nil {
		return 0, io.ErrClosedPipe
	}
	return ctl(rctx, req, inbuf, outbuf)
}

// Used reports whether a slot is currently allocated.
func (t *Table) Used(i int) bool { return t.entries[i].used.Load() }
