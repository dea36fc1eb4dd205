// Package ring implements a lock-free single-producer/single-consumer ring
// buffer used as the realtime sample-data path between the device thread and
// a PCM client, and as the two data rings of the FIFO-pair transport.
//
// The ring is safe for exactly one concurrent writer and one concurrent
// reader; it is not safe for multiple writers or multiple readers. Pointer
// arithmetic uses monotonically increasing 32-bit counters so that the
// unsigned difference write_pos - read_pos always yields the correct
// in-flight byte count even across wraparound.
package ring

import (
	"errors"
	"sync/atomic"
)

// ErrBadFrameSize is returned when a caller's buffer length is not a whole
// multiple of the ring's configured frame size.
var ErrBadFrameSize = errors.New("ring: length is not a multiple of frame size")

// ErrBadCapacity is returned by New when capacity is zero or not a multiple
// of frameSize.
var ErrBadCapacity = errors.New("ring: capacity must be a positive multiple of frame size")

// Ring is a fixed-capacity byte ring with optional frame-size stride.
//
// When frameSize is zero the ring moves whole bytes; when non-zero, Write and
// Read only ever move whole frames, and a frame is never torn across two
// calls: a reader can never observe half of a frame a writer is still
// copying in.
type Ring struct {
	buf       []byte
	capacity  uint32 // bytes, power of two by convention (not enforced)
	frameSize uint32 // bytes per frame, 1 means byte-addressed

	// writePos/readPos are monotonic counters in bytes. The live region is
	// [readPos, writePos) modulo capacity.
	writePos atomic.Uint32
	readPos  atomic.Uint32
}

// New creates a Ring of the given byte capacity. frameSize, if non-zero, must
// evenly divide capacity and makes Write/Read operate in whole frames.
func New(capacity, frameSize uint32) (*Ring, error) {
	if frameSize == 0 {
		frameSize = 1
	}
	if capacity == 0 || capacity%frameSize != 0 {
		return nil, ErrBadCapacity
	}
	return &Ring{
		buf:       make([]byte, capacity),
		capacity:  capacity,
		frameSize: frameSize,
	}, nil
}

// FrameSize returns the configured frame size in bytes (1 if byte-addressed).
func (r *Ring) FrameSize() uint32 { return r.frameSize }

// Capacity returns the total byte capacity of the ring.
func (r *Ring) Capacity() uint32 { return r.capacity }

// CapacityFrames returns the total frame capacity of the ring.
func (r *Ring) CapacityFrames() uint32 { return r.capacity / r.frameSize }

// Len returns the number of bytes currently buffered (written, not yet read).
func (r *Ring) Len() uint32 {
	return r.writePos.Load() - r.readPos.Load()
}

// LenFrames returns the number of whole frames currently buffered.
func (r *Ring) LenFrames() uint32 {
	return r.Len() / r.frameSize
}

// Space returns the number of free bytes available to the writer.
func (r *Ring) Space() uint32 {
	return r.capacity - r.Len()
}

// SpaceFrames returns the number of free whole frames available to the writer.
func (r *Ring) SpaceFrames() uint32 {
	return r.Space() / r.frameSize
}

// Write copies as many whole frames from src as currently fit and advances
// the write cursor. It returns the number of frames written, which is 0
// (an EAGAIN-equivalent, not a Go error) when the ring is full. Only the
// owning writer may call Write.
func (r *Ring) Write(src []byte) (framesWritten int, err error) {
	if uint32(len(src))%r.frameSize != 0 {
		return 0, ErrBadFrameSize
	}
	avail := r.Space()
	want := uint32(len(src))
	n := min(avail, want)
	n -= n % r.frameSize
	if n == 0 {
		return 0, nil
	}
	wp := r.writePos.Load()
	off := wp % r.capacity
	if off+n <= r.capacity {
		copy(r.buf[off:off+n], src[:n])
	} else {
		first := r.capacity - off
		copy(r.buf[off:], src[:first])
		copy(r.buf[:n-first], src[first:n])
	}
	r.writePos.Store(wp + n)
	return int(n / r.frameSize), nil
}

// Read copies as many whole frames as fit into dst, up to what is currently
// buffered, and advances the read cursor. It returns the number of frames
// read, which is 0 when the ring is empty. Only the owning reader may call
// Read.
func (r *Ring) Read(dst []byte) (framesRead int, err error) {
	if uint32(len(dst))%r.frameSize != 0 {
		return 0, ErrBadFrameSize
	}
	avail := r.Len()
	want := uint32(len(dst))
	n := min(avail, want)
	n -= n % r.frameSize
	if n == 0 {
		return 0, nil
	}
	rp := r.readPos.Load()
	off := rp % r.capacity
	if off+n <= r.capacity {
		copy(dst[:n], r.buf[off:off+n])
	} else {
		first := r.capacity - off
		copy(dst[:first], r.buf[off:])
		copy(dst[first:n], r.buf[:n-first])
	}
	r.readPos.Store(rp + n)
	return int(n / r.frameSize), nil
}

// ReadPtr returns the current monotonic read cursor, in frames.
func (r *Ring) ReadPtr() uint32 { return r.readPos.Load() / r.frameSize }

// WritePtr returns the current monotonic write cursor, in frames.
func (r *Ring) WritePtr() uint32 { return r.writePos.Load() / r.frameSize }

// SetReadPtr forcibly sets the read cursor to an absolute frame count. This
// is for application-pointer misalignment recovery and must only be called
// by the owner of the read direction.
func (r *Ring) SetReadPtr(abs uint32) {
	r.readPos.Store(abs * r.frameSize)
}

// SetWritePtr forcibly sets the write cursor to an absolute frame count. Must
// only be called by the owner of the write direction.
func (r *Ring) SetWritePtr(abs uint32) {
	r.writePos.Store(abs * r.frameSize)
}

func min(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
