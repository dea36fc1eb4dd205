// Package mbx implements the triple-buffered mailbox used to carry a small
// fixed-size status record (hardware pointer, trigger timestamp, xrun flag,
// …) from a single realtime writer to any number of non-realtime readers
// without ever blocking the writer.
//
// Each of the three slots carries its own seqlock-style version counter
// (even = stable, odd = write in progress). The writer round-robins across
// slots and publishes the new slot index only after the write completes; a
// reader spins on a slot's counter only in the vanishingly rare case where it
// observes the writer mid-publish, and always ends up with a self-consistent
// snapshot that was, at some point, the latest one written.
package mbx

import (
	"sync/atomic"
)

// Mailbox carries fixed-size byte records from one writer to many readers.
type Mailbox struct {
	recordSize int
	slots      [3][]byte
	seq        [3]atomic.Uint32
	latest     atomic.Uint32 // index of the most recently published slot
	nextWrite  atomic.Uint32 // round-robin cursor, writer-only
}

// New creates a Mailbox whose records are exactly recordSize bytes.
func New(recordSize int) *Mailbox {
	m := &Mailbox{recordSize: recordSize}
	for i := range m.slots {
		m.slots[i] = make([]byte, recordSize)
	}
	return m
}

// RecordSize returns the fixed record size this mailbox was created with.
func (m *Mailbox) RecordSize() int { return m.recordSize }

// Write publishes a new snapshot. rec must be exactly RecordSize() bytes.
// Write never blocks and has no failure mode other than a panic on
// programmer error (wrong-sized record).
func (m *Mailbox) Write(rec []byte) {
	if len(rec) != m.recordSize {
		panic("mbx: record size mismatch")
	}
	// Pick the slot after the one currently published so the writer never
	// touches the slot a reader is most likely draining.
	idx := m.nextWrite.Load() % 3
	m.nextWrite.Store(idx + 1)

	seq := m.seq[idx].Load()
	m.seq[idx].Store(seq + 1) // odd: write in progress
	copy(m.slots[idx], rec)
	m.seq[idx].Store(seq + 2) // even: write complete

	m.latest.Store(idx)
}

// Read returns the most recently published snapshot. The returned slice is a
// fresh copy safe for the caller to retain.
func (m *Mailbox) Read() []byte {
	out := make([]byte, m.recordSize)
	for {
		idx := m.latest.Load()
		s1 := m.seq[idx].Load()
		if s1&1 != 0 {
			// Writer is mid-publish on this exact slot; spin briefly.
			continue
		}
		copy(out, m.slots[idx])
		s2 := m.seq[idx].Load()
		if s1 == s2 {
			return out
		}
		// Torn read detected (writer lapped this slot); retry against
		// whatever is now latest.
	}
}
