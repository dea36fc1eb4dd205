// Package wq implements the Work Queue: a deferral mechanism that lets any
// goroutine hand work off to one processing goroutine. Items are kept in a
// mutex-guarded slice, so Queue may wait on the mutex and allocates as the
// slice grows; an OS pipe serves only as the wakeup signal.
package wq

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Item is a unit of deferred work. Callback returns false to signal the
// queue should stop processing (mirrors the source's bool-returning
// dspd_wq_item callback, used to unwind a shutdown).
type Item struct {
	Callback func(data []byte) bool
	Data     []byte
}

// Queue is a single-reader work queue: one goroutine calls Process in a
// loop; any number of goroutines call Queue concurrently.
//
// The source pipes the serialized item itself through the kernel, relying
// on PIPE_BUF's write atomicity so a signal handler can enqueue without a
// lock. In Go, signal delivery already runs on an ordinary goroutine
// (os/signal), so there is no signal-handler context to keep lock-free;
// Queue here stores items in a mutex-guarded slice and uses the pipe
// purely as a wakeup primitive a poller can select on via FD(), keeping
// the pipe's role (cross-thread, signal-safe notification) while dropping
// the byte-serialization that only matters when the handoff crosses a
// process boundary.
type Queue struct {
	mu    sync.Mutex
	items []Item

	rfd, wfd int
}

// New creates a Queue backed by an OS pipe.
func New() (*Queue, error) {
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	return &Queue{rfd: fds[0], wfd: fds[1]}, nil
}

// FD returns the read end of the wakeup pipe, suitable for poll(2)/epoll.
func (q *Queue) FD() int { return q.rfd }

// Close releases the pipe.
func (q *Queue) Close() error {
	err1 := unix.Close(q.rfd)
	err2 := unix.Close(q.wfd)
	if err1 != nil {
		return err1
	}
	return err2
}

// Queue enqueues item and wakes any goroutine blocked in Process. Safe to
// call from any goroutine, including one invoked from a signal handler
// registered via os/signal.
func (q *Queue) Queue(item Item) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	buf := [1]byte{1}
	for {
		_, err := unix.Write(q.wfd, buf[:])
		if err == unix.EINTR {
			continue
		}
		// EAGAIN means the wakeup byte is already pending; the reader
		// will still drain every queued item on its next Process call.
		break
	}
}

// Process drains the wakeup pipe and runs every item queued since the
// last call, in FIFO order. It returns false once a callback returns
// false, short-circuiting any remaining items in this batch (mirrors the
// source's dspd_wq_process contract).
func (q *Queue) Process() bool {
	var drain [64]byte
	for {
		_, err := unix.Read(q.rfd, drain[:])
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			break
		}
		if err != nil {
			break
		}
	}

	q.mu.Lock()
	batch := q.items
	q.items = nil
	q.mu.Unlock()

	for _, item := range batch {
		if item.Callback != nil && !item.Callback(item.Data) {
			return false
		}
	}
	return true
}
