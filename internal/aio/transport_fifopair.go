package aio

import (
	"golang.org/x/sys/unix"

	"github.com/sndsrv/sndsrv/internal/ring"
)

// FifoPairTransport is the same-process transport: two internal/ring Rings
// move framed bytes in each direction, a small buffered channel carries
// out-of-band fd handoffs (meaningful in-process as a plain value, unlike
// the cross-process SCM_RIGHTS path SocketTransport needs), and a pair of
// eventfds give PollFD something real to wait on.
type FifoPairTransport struct {
	out *ring.Ring
	in  *ring.Ring

	outFD chan int
	inFD  chan int

	outPtr chan PointerDescriptor
	inPtr  chan PointerDescriptor

	selfWake int // this side's PollFD; the peer bumps it on write
	peerWake int // bumped after a successful write, to wake the peer
}

const fifoPairRingCapacity = 64 * 1024

// NewFifoPair creates a connected pair of FifoPairTransports: writes on
// one side become reads on the other.
func NewFifoPair() (a, b *FifoPairTransport, err error) {
	r1, err := ring.New(fifoPairRingCapacity, 1)
	if err != nil {
		return nil, nil, err
	}
	r2, err := ring.New(fifoPairRingCapacity, 1)
	if err != nil {
		return nil, nil, err
	}
	efdA, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		return nil, nil, err
	}
	efdB, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		return nil, nil, err
	}
	fdsAB := make(chan int, 8)
	fdsBA := make(chan int, 8)
	ptrAB := make(chan PointerDescriptor, 8)
	ptrBA := make(chan PointerDescriptor, 8)
	// a writes r1 (wakes b, selfWake=efdB), reads r2 (woken by b, selfWake=efdA).
	a = &FifoPairTransport{out: r1, in: r2, outFD: fdsAB, inFD: fdsBA, outPtr: ptrAB, inPtr: ptrBA, selfWake: efdA, peerWake: efdB}
	b = &FifoPairTransport{out: r2, in: r1, outFD: fdsBA, inFD: fdsAB, outPtr: ptrBA, inPtr: ptrAB, selfWake: efdB, peerWake: efdA}
	return a, b, nil
}

func (t *FifoPairTransport) WriteRaw(b []byte) (int, error) {
	n, err := t.out.Write(b)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrAgain
	}
	t.bumpPeer()
	return n, nil
}

func (t *FifoPairTransport) ReadRaw(b []byte) (int, error) {
	n, err := t.in.Read(b)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrAgain
	}
	return n, nil
}

// bumpPeer signals the peer's eventfd so a blocked Wait() wakes up. Best
// effort: a full eventfd counter (unlikely at this volume) just means the
// peer was already going to wake up anyway.
func (t *FifoPairTransport) bumpPeer() {
	buf := make([]byte, 8)
	buf[7] = 1
	unix.Write(t.peerWake, buf)
}

func (t *FifoPairTransport) SendFD(fd int) error {
	select {
	case t.outFD <- fd:
		t.bumpPeer()
		return nil
	default:
		return ErrAgain
	}
}

func (t *FifoPairTransport) RecvFD() (int, bool) {
	select {
	case fd := <-t.inFD:
		return fd, true
	default:
		return 0, false
	}
}

// SendPointer implements PointerTransport.
func (t *FifoPairTransport) SendPointer(pd PointerDescriptor) error {
	select {
	case t.outPtr <- pd:
		t.bumpPeer()
		return nil
	default:
		return ErrAgain
	}
}

// RecvPointer implements PointerTransport.
func (t *FifoPairTransport) RecvPointer() (PointerDescriptor, bool) {
	select {
	case pd := <-t.inPtr:
		return pd, true
	default:
		return PointerDescriptor{}, false
	}
}

func (t *FifoPairTransport) PollFD() int { return t.selfWake }

// Local is true: both ends of a FifoPairTransport live in the same
// process, so the zero-copy FlagPointer path is available to callers that
// choose to use it.
func (t *FifoPairTransport) Local() bool { return true }

func (t *FifoPairTransport) Close() error {
	return unix.Close(t.selfWake)
}
