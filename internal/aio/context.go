package aio

import (
	"sync"

	"golang.org/x/sys/unix"
)

// initial op-ring capacity before any growth, and the hard upper bound on
// how far it may grow.
const (
	defaultOpRingSize = 32
	maxOpRingSize     = 65535
)

// AsyncEventFunc receives out-of-band frames: either a CmdAsyncEvent frame
// or a reply that also carries event flag bits.
type AsyncEventFunc func(cmd, flags uint32, stream int32, payload []byte)

// Context drives the request/reply state machine over a Transport. One
// Context serves one logical connection; it is not
// safe for concurrent Submit/Cancel/Process calls from multiple goroutines
// without external synchronization beyond what its own mutex provides for
// bookkeeping (the wire itself is strictly ordered).
type Context struct {
	mu        sync.Mutex
	transport Transport
	local     bool

	ops        []*Op // indexed by slot; nil means free
	lastSlot   int
	initialCap int
	pending    int // count of non-nil entries in ops

	generation uint16
	sendQueue  []*Op // ops in opQueued order awaiting their turn on the wire

	outOp     *Op
	outFrame  []byte
	outOffset int

	inHeader   [HeaderSize]byte
	inHdrOff   int
	inHdrDone  bool
	inPayload  []byte
	inPayOff   int
	inOp       *Op
	inOversize bool

	asyncEvent AsyncEventFunc

	fatal error
}

// NewContext creates a Context of the given op-ring size (callers
// typically pass a small number and rely on growth). A size below 1
// selects defaultOpRingSize.
func NewContext(t Transport, size int) *Context {
	if size < 1 {
		size = defaultOpRingSize
	}
	return &Context{
		transport:  t,
		local:      t.Local(),
		ops:        make([]*Op, size),
		initialCap: size,
		lastSlot:   size - 1,
	}
}

// SetAsyncEventHandler installs the callback for server-initiated events.
// Not safe to call concurrently with Process.
func (c *Context) SetAsyncEventHandler(f AsyncEventFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.asyncEvent = f
}

// findFreeSlot scans backward from the last allocated slot for a free
// entry, growing the ring (doubling, capped at maxOpRingSize) when none
// is found.
func (c *Context) findFreeSlot() (int, error) {
	n := len(c.ops)
	for i := 0; i < n; i++ {
		idx := ((c.lastSlot - i) % n + n) % n
		if c.ops[idx] == nil {
			c.lastSlot = idx
			return idx, nil
		}
	}
	if n >= maxOpRingSize {
		return 0, ErrNoMem
	}
	newSize := n * 2
	if newSize > maxOpRingSize {
		newSize = maxOpRingSize
	}
	grown := make([]*Op, newSize)
	copy(grown, c.ops)
	c.ops = grown
	c.lastSlot = n
	return n, nil
}

// shrinkIfIdle returns the op ring to its initial capacity once nothing is
// outstanding, so a transient burst doesn't permanently inflate memory use.
func (c *Context) shrinkIfIdle() {
	if c.pending == 0 && len(c.ops) > c.initialCap {
		c.ops = make([]*Op, c.initialCap)
		c.lastSlot = c.initialCap - 1
	}
}

// Submit enqueues op for transmission and returns immediately; op.Complete
// fires once the reply (or a cancellation/error) arrives and Process has
// been driven far enough to observe it.
func (c *Context) Submit(op *Op) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fatal != nil {
		return c.fatal
	}
	slot, err := c.findFreeSlot()
	if err != nil {
		return err
	}
	op.state = opQueued
	op.generation = c.generation
	op.slot = uint16(slot)
	op.tag = EncodeTag(c.generation, uint16(slot), op.UserTag)
	c.generation++
	c.ops[slot] = op
	c.pending++
	c.sendQueue = append(c.sendQueue, op)
	return nil
}

// Cancel withdraws op before it has touched the wire. It only succeeds
// while op is still opQueued; once sending has begun it returns ErrBusy,
// matching the source's "can't cancel what's already in flight" rule.
func (c *Context) Cancel(op *Op) error {
	c.mu.Lock()
	if op.state != opQueued {
		c.mu.Unlock()
		return ErrBusy
	}
	for i, q := range c.sendQueue {
		if q == op {
			c.sendQueue = append(c.sendQueue[:i], c.sendQueue[i+1:]...)
			break
		}
	}
	c.ops[op.slot] = nil
	c.pending--
	op.state = opCancelled
	c.shrinkIfIdle()
	c.mu.Unlock()
	op.complete(ErrCanceled, 0)
	return nil
}

// PollFD returns the transport's readiness descriptor for external
// epoll/poll integration.
func (c *Context) PollFD() int { return c.transport.PollFD() }

// BlockDirections reports which of POLLIN/POLLOUT the caller should wait
// for before the next Process call. POLLIN is always of interest; POLLOUT
// is only needed while a send is outstanding.
func (c *Context) BlockDirections() int16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	evt := int16(unix.POLLIN)
	if c.outOp != nil || len(c.sendQueue) > 0 {
		evt |= unix.POLLOUT
	}
	return evt
}

// Process drives one non-blocking pass of the send and receive paths. It
// never blocks; ErrAgain from the transport simply means "nothing more to
// do right now" and is not propagated. A non-nil return is a fatal
// transport-level error (EIO on read EOF, EPROTO on framing violations,
// etc).
func (c *Context) Process() error {
	c.mu.Lock()
	if c.fatal != nil {
		defer c.mu.Unlock()
		return c.fatal
	}
	c.mu.Unlock()

	if err := c.recvStep(); err != nil {
		c.mu.Lock()
		c.fatal = err
		c.mu.Unlock()
		return err
	}
	if err := c.sendStep(); err != nil {
		c.mu.Lock()
		c.fatal = err
		c.mu.Unlock()
		return err
	}
	return nil
}

// Wait blocks on the transport's poll descriptor until it is readable,
// writable, or timeoutMs elapses (-1 waits indefinitely), then calls
// Process. This is the convenience path SyncCtl uses; event-loop-driven
// callers should poll PollFD themselves and call Process directly.
func (c *Context) Wait(timeoutMs int) error {
	dirs := c.BlockDirections()
	fds := []unix.PollFd{{Fd: int32(c.PollFD()), Events: dirs}}
	for {
		n, err := unix.Poll(fds, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrAgain
		}
		return c.Process()
	}
}

// SyncCtl performs a synchronous request/reply round trip: submit, then
// drive Process until this specific op completes. Mirrors the source's
// dspd_aio_sync_ctl convenience wrapper.
func (c *Context) SyncCtl(stream, req uint32, inbuf, outbuf []byte) (int, error) {
	done := make(chan struct{})
	op := &Op{
		Stream:  stream,
		Req:     req,
		InBuf:   inbuf,
		OutBuf:  outbuf,
		Complete: func(*Op) { close(done) },
	}
	if err := c.Submit(op); err != nil {
		return 0, err
	}
	for {
		select {
		case <-done:
			return op.Transferred, op.Error
		default:
		}
		if err := c.Wait(-1); err != nil && err != ErrAgain {
			return 0, err
		}
	}
}

// sendStep writes as much of the current (or next) outgoing frame as the
// transport will accept without blocking.
func (c *Context) sendStep() error {
	for {
		c.mu.Lock()
		if c.outOp == nil {
			if len(c.sendQueue) == 0 {
				c.mu.Unlock()
				return nil
			}
			op := c.sendQueue[0]
			c.sendQueue = c.sendQueue[1:]
			if op.state == opCancelled {
				c.mu.Unlock()
				continue
			}
			c.outFrame = c.buildRequestFrame(op)
			c.outOffset = 0
			c.outOp = op
			op.state = opSending
		}
		op := c.outOp
		frame := c.outFrame
		off := c.outOffset
		c.mu.Unlock()

		n, err := c.transport.WriteRaw(frame[off:])
		if err == ErrAgain || err == ErrWouldBlock {
			return nil
		}
		if err == ErrIntr {
			continue
		}
		if err != nil {
			return err
		}

		c.mu.Lock()
		c.outOffset += n
		done := c.outOffset >= len(c.outFrame)
		if done {
			op.state = opSubmitted
			c.outOp = nil
			c.outFrame = nil
			c.outOffset = 0
		}
		c.mu.Unlock()
		if !done {
			return nil // partial write; wait for next writable notification
		}
	}
}

// buildRequestFrame encodes op as an outgoing frame. When op.ZeroCopy is
// set and the bound transport is local and supports PointerTransport, the
// InBuf/OutBuf slices are handed to the peer directly via SendPointer and
// the frame carries FlagPointer with no payload bytes at all; otherwise
// InBuf is copied into the frame as usual.
func (c *Context) buildRequestFrame(op *Op) []byte {
	h := Header{
		Cmd:    op.Req,
		Stream: int32(op.Stream),
		Tag:    op.tag,
	}
	if op.ZeroCopy && c.local {
		if pt, ok := c.transport.(PointerTransport); ok {
			pd := PointerDescriptor{In: op.InBuf, Out: op.OutBuf}
			if err := pt.SendPointer(pd); err == nil {
				h.Flags = FlagPointer
				h.TotalLen = HeaderSize
				return h.Encode()
			}
		}
	}
	h.TotalLen = uint32(HeaderSize + len(op.InBuf))
	buf := make([]byte, 0, h.TotalLen)
	buf = append(buf, h.Encode()...)
	buf = append(buf, op.InBuf...)
	return buf
}

// recvStep reads and assembles one frame (possibly across several calls if
// the transport only yields partial data), then dispatches it.
func (c *Context) recvStep() error {
	for {
		c.mu.Lock()
		hdrDone := c.inHdrDone
		c.mu.Unlock()

		if !hdrDone {
			if done, err := c.fillHeader(); err != nil {
				return err
			} else if !done {
				return nil
			}
		}

		c.mu.Lock()
		h := DecodeHeader(c.inHeader[:])
		payloadLen := int(h.TotalLen) - HeaderSize
		if payloadLen < 0 {
			c.mu.Unlock()
			return ErrProto
		}
		if c.inPayload == nil && payloadLen > 0 {
			_, slot, _ := DecodeTag(h.Tag)
			var op *Op
			if int(slot) < len(c.ops) {
				op = c.ops[slot]
			}
			if op != nil && op.OutBuf != nil && payloadLen > len(op.OutBuf) {
				c.mu.Unlock()
				return ErrProto
			}
			c.inOp = op
			c.inPayload = make([]byte, payloadLen)
		}
		needPayload := payloadLen > 0 && c.inPayOff < payloadLen
		c.mu.Unlock()

		if needPayload {
			if done, err := c.fillPayload(payloadLen); err != nil {
				return err
			} else if !done {
				return nil
			}
		}

		c.dispatch(h)
		c.mu.Lock()
		c.inHdrOff = 0
		c.inHdrDone = false
		c.inPayload = nil
		c.inPayOff = 0
		c.inOp = nil
		c.mu.Unlock()
	}
}

func (c *Context) fillHeader() (bool, error) {
	c.mu.Lock()
	off := c.inHdrOff
	c.mu.Unlock()
	if off >= HeaderSize {
		c.mu.Lock()
		c.inHdrDone = true
		c.mu.Unlock()
		return true, nil
	}
	n, err := c.transport.ReadRaw(c.inHeader[off:])
	if err == ErrAgain || err == ErrWouldBlock {
		return false, nil
	}
	if err == ErrIntr {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, ErrIO // EOF mid-frame is fatal
	}
	c.mu.Lock()
	c.inHdrOff += n
	done := c.inHdrOff >= HeaderSize
	c.inHdrDone = done
	c.mu.Unlock()
	return done, nil
}

func (c *Context) fillPayload(payloadLen int) (bool, error) {
	c.mu.Lock()
	off := c.inPayOff
	buf := c.inPayload
	c.mu.Unlock()
	n, err := c.transport.ReadRaw(buf[off:])
	if err == ErrAgain || err == ErrWouldBlock {
		return false, nil
	}
	if err == ErrIntr {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, ErrIO
	}
	c.mu.Lock()
	c.inPayOff += n
	done := c.inPayOff >= payloadLen
	c.mu.Unlock()
	return done, nil
}

// dispatch routes a fully-assembled frame to its op (matching tag exactly,
// so a reply from a stale generation is silently dropped) or to the async
// event handler.
func (c *Context) dispatch(h Header) {
	c.mu.Lock()
	payload := c.inPayload

	if h.Cmd == CmdAsyncEvent {
		handler := c.asyncEvent
		c.mu.Unlock()
		if handler != nil {
			handler(h.Cmd, h.Flags, h.Stream, payload)
		}
		return
	}

	_, slot, _ := DecodeTag(h.Tag)
	var op *Op
	if int(slot) < len(c.ops) {
		op = c.ops[slot]
	}
	if op == nil || op.tag != h.Tag || op.state != opSubmitted {
		// Stale or unmatched reply: drop it.
		c.mu.Unlock()
		return
	}
	c.ops[slot] = nil
	c.pending--
	c.shrinkIfIdle()

	if h.Flags&(0xFFFF^FlagError^FlagPointer) != 0 && c.asyncEvent != nil {
		handler := c.asyncEvent
		c.mu.Unlock()
		handler(h.Cmd, h.Flags, h.Stream, payload)
		c.mu.Lock()
	}

	var err error
	transferred := 0
	if h.Flags&FlagError != 0 {
		err = unix.Errno(h.ReplyLenOrErr)
	} else if h.Flags&FlagPointer != 0 {
		// Zero-copy reply: the peer already wrote its result directly into
		// op.OutBuf via the shared PointerDescriptor: no wire payload to
		// copy, just the byte count it reports having produced.
		transferred = int(h.BytesReturned)
	} else if len(payload) > 0 {
		if op.OutBuf != nil {
			transferred = copy(op.OutBuf, payload)
		} else {
			transferred = len(payload)
		}
	}
	c.mu.Unlock()
	op.complete(err, transferred)
}
