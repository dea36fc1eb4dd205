package aio

import (
	"bytes"
	"testing"
	"time"
)

// runEchoServer answers every frame received on t with a reply carrying the
// same tag/cmd and the payload reversed, so tests can distinguish an echo
// from a pass-through. It stops when stop is closed.
func runEchoServer(t *testing.T, tr Transport, stop <-chan struct{}) {
	t.Helper()
	go func() {
		hdr := make([]byte, HeaderSize)
		for {
			select {
			case <-stop:
				return
			default:
			}
			off := 0
			for off < HeaderSize {
				n, err := tr.ReadRaw(hdr[off:])
				if err == ErrAgain {
					time.Sleep(time.Millisecond)
					continue
				}
				if err != nil {
					return
				}
				off += n
			}
			h := DecodeHeader(hdr)
			plen := int(h.TotalLen) - HeaderSize
			payload := make([]byte, plen)
			off = 0
			for off < plen {
				n, err := tr.ReadRaw(payload[off:])
				if err == ErrAgain {
					time.Sleep(time.Millisecond)
					continue
				}
				if err != nil {
					return
				}
				off += n
			}
			for i, j := 0, len(payload)-1; i < j; i, j = i+1, j-1 {
				payload[i], payload[j] = payload[j], payload[i]
			}
			reply := Header{
				TotalLen:      uint32(HeaderSize + len(payload)),
				Cmd:           h.Cmd,
				Stream:        h.Stream,
				Tag:           h.Tag,
				ReplyLenOrErr: uint32(len(payload)),
			}
			frame := append(reply.Encode(), payload...)
			off = 0
			for off < len(frame) {
				n, err := tr.WriteRaw(frame[off:])
				if err == ErrAgain {
					time.Sleep(time.Millisecond)
					continue
				}
				if err != nil {
					return
				}
				off += n
			}
		}
	}()
}

func TestSyncCtlEcho(t *testing.T) {
	a, b, err := NewFifoPair()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()

	stop := make(chan struct{})
	defer close(stop)
	runEchoServer(t, b, stop)

	ctx := NewContext(a, 4)
	in := []byte("hello")
	out := make([]byte, len(in))
	n, err := ctx.SyncCtl(1, 42, in, out)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(in) {
		t.Fatalf("n = %d, want %d", n, len(in))
	}
	want := []byte("olleh")
	if !bytes.Equal(out, want) {
		t.Fatalf("out = %q, want %q", out, want)
	}
}

// runPointerServer answers a single ZeroCopy request by pulling its
// PointerDescriptor off the transport's side channel, writing directly
// into desc.Out (no bytes cross the wire), and replying with a
// header-only FlagPointer frame carrying the written length.
func runPointerServer(t *testing.T, tr PointerTransport, fill byte) {
	t.Helper()
	go func() {
		hdr := make([]byte, HeaderSize)
		off := 0
		for off < HeaderSize {
			n, err := tr.ReadRaw(hdr[off:])
			if err == ErrAgain {
				time.Sleep(time.Millisecond)
				continue
			}
			if err != nil {
				return
			}
			off += n
		}
		h := DecodeHeader(hdr)
		var desc PointerDescriptor
		for {
			var ok bool
			desc, ok = tr.RecvPointer()
			if ok {
				break
			}
			time.Sleep(time.Millisecond)
		}
		n := copy(desc.Out, desc.In)
		for i := range desc.Out[:n] {
			desc.Out[i] += fill
		}
		reply := Header{
			TotalLen:      HeaderSize,
			Flags:         FlagPointer,
			Cmd:           h.Cmd,
			Stream:        h.Stream,
			Tag:           h.Tag,
			BytesReturned: uint32(n),
		}
		frame := reply.Encode()
		off = 0
		for off < len(frame) {
			n, err := tr.WriteRaw(frame[off:])
			if err == ErrAgain {
				time.Sleep(time.Millisecond)
				continue
			}
			if err != nil {
				return
			}
			off += n
		}
	}()
}

func TestZeroCopySubmitWritesThroughSharedDescriptor(t *testing.T) {
	a, b, err := NewFifoPair()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()

	runPointerServer(t, b, 1)

	ctx := NewContext(a, 4)
	in := []byte{10, 20, 30}
	out := make([]byte, len(in))
	done := make(chan struct{})
	op := &Op{
		Stream:   1,
		Req:      7,
		InBuf:    in,
		OutBuf:   out,
		ZeroCopy: true,
		Complete: func(*Op) { close(done) },
	}
	if err := ctx.Submit(op); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-done:
			if op.Error != nil {
				t.Fatal(op.Error)
			}
			if op.Transferred != len(in) {
				t.Fatalf("Transferred = %d, want %d", op.Transferred, len(in))
			}
			want := []byte{11, 21, 31}
			if !bytes.Equal(out, want) {
				t.Fatalf("out = %v, want %v", out, want)
			}
			return
		case <-deadline:
			t.Fatal("zero-copy op never completed")
		default:
		}
		if err := ctx.Wait(100); err != nil && err != ErrAgain {
			t.Fatal(err)
		}
	}
}

func TestPipelinedSubmitCompletesEachOp(t *testing.T) {
	a, b, err := NewFifoPair()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()
	stop := make(chan struct{})
	defer close(stop)
	runEchoServer(t, b, stop)

	ctx := NewContext(a, 4)
	var completed []uint32
	outs := make([][]byte, 3)
	done := make(chan struct{}, 3)
	for i := uint32(0); i < 3; i++ {
		outs[i] = make([]byte, 2)
		op := &Op{
			Stream:  1,
			Req:     i,
			InBuf:   []byte{'a', 'b'},
			OutBuf:  outs[i],
			UserTag: i,
			Complete: func(o *Op) {
				completed = append(completed, o.UserTag)
				done <- struct{}{}
			},
		}
		if err := ctx.Submit(op); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := ctx.Wait(2000); err != nil && err != ErrAgain {
			t.Fatal(err)
		}
	}
	deadline := time.After(2 * time.Second)
	for received := 0; received < 3; {
		select {
		case <-done:
			received++
		case <-deadline:
			t.Fatalf("only %d/3 ops completed", received)
		}
	}
	if len(completed) != 3 {
		t.Fatalf("completed %d ops, want 3", len(completed))
	}
}

func TestCancelBeforeSendSucceeds(t *testing.T) {
	a, b, err := NewFifoPair()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()

	ctx := NewContext(a, 2)
	completed := false
	op := &Op{Stream: 1, Req: 1, Complete: func(o *Op) { completed = true }}
	if err := ctx.Submit(op); err != nil {
		t.Fatal(err)
	}
	if err := ctx.Cancel(op); err != nil {
		t.Fatalf("Cancel = %v, want nil", err)
	}
	if !completed {
		t.Fatal("op was not completed by Cancel")
	}
	if op.Error != ErrCanceled {
		t.Fatalf("op.Error = %v, want ErrCanceled", op.Error)
	}
}

func TestCancelAfterSubmittedFails(t *testing.T) {
	a, b, err := NewFifoPair()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()
	// No echo server running: the frame lands in the ring but nothing
	// reads it back out, so the op is fully sent (opSubmitted) and stays
	// pending indefinitely.

	ctx := NewContext(a, 2)
	op := &Op{Stream: 1, Req: 1, InBuf: []byte("x")}
	if err := ctx.Submit(op); err != nil {
		t.Fatal(err)
	}
	if err := ctx.Process(); err != nil {
		t.Fatal(err)
	}
	if err := ctx.Cancel(op); err != ErrBusy {
		t.Fatalf("Cancel = %v, want ErrBusy", err)
	}
}

func TestSubmitTagsAreDistinct(t *testing.T) {
	a, b, err := NewFifoPair()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()

	ctx := NewContext(a, 4)
	seen := map[uint64]bool{}
	for i := 0; i < 10; i++ {
		op := &Op{Stream: 1, Req: uint32(i)}
		if err := ctx.Submit(op); err != nil {
			t.Fatal(err)
		}
		if seen[op.Tag()] {
			t.Fatalf("tag %d reused across submissions", op.Tag())
		}
		seen[op.Tag()] = true
		ctx.Cancel(op)
	}
}
