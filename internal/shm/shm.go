// Package shm implements the Shared Memory Map: a named, fd-passable region
// divided into MBX and FIFO sections that a client process and a device
// thread can both map. The region holds only the raw section bytes; no Ring
// FIFO or Mailbox header is written into it, so the attaching side must be
// given the section layout separately (see Attach).
//
// On Linux this is backed by a memfd_create(2) region (no seals are applied)
// mapped with MAP_SHARED, so the returned file descriptor can be passed to a
// peer over SCM_RIGHTS (see internal/aio) and mapped again on the other side.
// Regions are refcounted; the last holder to Detach unmaps the region and
// closes the backing fd. The memfd is not truncated.
package shm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// SectionKind enumerates the named sections carried inside a Map.
type SectionKind int

const (
	SectionMBX SectionKind = iota
	SectionFIFO
)

// Section describes one named region within the map: a kind tag plus an
// {offset, length} extent relative to the mapping's base.
type Section struct {
	Kind   SectionKind
	Offset int64
	Length int64
}

// Map is a shared-memory region created by one side (the device/server) and
// attached by the other (the client), carrying the sections requested at
// creation.
type Map struct {
	fd       int
	size     int64
	data     []byte
	sections []Section

	refs   atomic.Int32
	mu     sync.Mutex
	closed bool
}

// Create allocates a new anonymous, fd-passable shared-memory region sized to
// hold every requested section back-to-back, and memory-maps it for the
// caller (normally the device/server side). name is used only as the
// memfd(2) debug name; it need not be globally unique.
func Create(name string, sizes map[SectionKind]int64) (*Map, error) {
	var total int64
	order := []SectionKind{SectionMBX, SectionFIFO}
	sections := make([]Section, 0, len(sizes))
	for _, k := range order {
		sz, ok := sizes[k]
		if !ok || sz <= 0 {
			continue
		}
		sections = append(sections, Section{Kind: k, Offset: total, Length: sz})
		total += sz
	}
	if total == 0 {
		return nil, fmt.Errorf("shm: no sections requested")
	}

	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("shm: memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, total); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: ftruncate: %w", err)
	}
	data, err := unix.Mmap(fd, 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: mmap: %w", err)
	}

	m := &Map{fd: fd, size: total, data: data, sections: sections}
	m.refs.Store(1)
	return m, nil
}

// Attach maps an already-created region given its fd (as received via
// SCM_RIGHTS) and the section layout negotiated out of band in the open
// reply. The returned Map has its own reference count, starting at 1; it
// does not share the count of the Map that created the fd.
func Attach(fd int, sections []Section) (*Map, error) {
	var total int64
	for _, s := range sections {
		end := s.Offset + s.Length
		if end > total {
			total = end
		}
	}
	data, err := unix.Mmap(fd, 0, int(total), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: attach mmap: %w", err)
	}
	m := &Map{fd: fd, size: total, data: data, sections: sections}
	m.refs.Store(1)
	return m, nil
}

// Fd returns the underlying file descriptor, suitable for SCM_RIGHTS passing.
func (m *Map) Fd() int { return m.fd }

// Sections returns the section layout of this map.
func (m *Map) Sections() []Section {
	out := make([]Section, len(m.sections))
	copy(out, m.sections)
	return out
}

// Bytes returns the backing slice for a given section, or nil if the section
// isn't present in this map.
func (m *Map) Bytes(kind SectionKind) []byte {
	for _, s := range m.sections {
		if s.Kind == kind {
			return m.data[s.Offset : s.Offset+s.Length]
		}
	}
	return nil
}

// Ref increments the reference count and returns the map itself, for
// call-chaining at a second attach site within the same process.
func (m *Map) Ref() *Map {
	m.refs.Add(1)
	return m
}

// Detach decrements the reference count. The last holder unmaps the region
// and closes the file descriptor.
func (m *Map) Detach() error {
	if m.refs.Add(-1) > 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if err := unix.Munmap(m.data); err != nil {
		return fmt.Errorf("shm: munmap: %w", err)
	}
	return unix.Close(m.fd)
}
