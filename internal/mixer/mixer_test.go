package mixer

import (
	"sync"
	"testing"
	"time"

	"github.com/sndsrv/sndsrv/internal/aio"
)

// fakeServer answers ElemCount with a fixed count and ElemInfo(i) with a
// deterministic name/tstamp per index, so tests can assert ADD/VALUE
// callbacks without a real device.
type fakeServer struct {
	tr    aio.Transport
	count uint32
	// tstamp lets a test perturb one element's reply to exercise the
	// REMOVE+ADD (changed) path.
	tstampFor func(i uint32) uint64
}

func runFakeServer(t *testing.T, srv *fakeServer, stop <-chan struct{}) {
	t.Helper()
	go func() {
		hdr := make([]byte, aio.HeaderSize)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if !readFull(srv.tr, hdr) {
				return
			}
			h := aio.DecodeHeader(hdr)
			plen := int(h.TotalLen) - aio.HeaderSize
			payload := make([]byte, plen)
			if plen > 0 && !readFull(srv.tr, payload) {
				return
			}

			var reply []byte
			switch h.Cmd {
			case CmdElemCount:
				reply = make([]byte, 4)
				encodeU32(reply, srv.count)
			case CmdElemInfo:
				idx := decodeU32(payload)
				reply = make([]byte, 12+4)
				ts := uint64(idx) + 1
				if srv.tstampFor != nil {
					ts = srv.tstampFor(idx)
				}
				for i := 0; i < 8; i++ {
					reply[i] = byte(ts >> (8 * i))
				}
				encodeU32(reply[8:12], 0)
				copy(reply[12:], []byte("e"))
			case CmdElemGetEnumInfo:
				j := decodeU32(payload[4:])
				reply = []byte("option" + string(rune('0'+j)))
			default:
				reply = nil
			}
			out := aio.Header{
				TotalLen: uint32(aio.HeaderSize + len(reply)),
				Cmd:      h.Cmd,
				Stream:   h.Stream,
				Tag:      h.Tag,
			}
			frame := append(out.Encode(), reply...)
			if !writeFull(srv.tr, frame) {
				return
			}
		}
	}()
}

func readFull(tr aio.Transport, buf []byte) bool {
	off := 0
	for off < len(buf) {
		n, err := tr.ReadRaw(buf[off:])
		if err == aio.ErrAgain {
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			return false
		}
		off += n
	}
	return true
}

func writeFull(tr aio.Transport, buf []byte) bool {
	off := 0
	for off < len(buf) {
		n, err := tr.WriteRaw(buf[off:])
		if err == aio.ErrAgain {
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			return false
		}
		off += n
	}
	return true
}

func TestRefreshCountAddsElements(t *testing.T) {
	a, b, err := aio.NewFifoPair()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()
	stop := make(chan struct{})
	defer close(stop)
	runFakeServer(t, &fakeServer{tr: b, count: 3}, stop)

	ctx := aio.NewContext(a, 4)
	var mu sync.Mutex
	var adds int
	cli := Bind(ctx, 0, func(err error, elem int, kind EventKind, info ElemInfo) {
		mu.Lock()
		defer mu.Unlock()
		if kind == EventAdd {
			adds++
		}
	})

	n, err := cli.RefreshCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("RefreshCount = %d, want 3", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if adds != 3 {
		t.Fatalf("adds = %d, want 3", adds)
	}
	if cli.ElemCount() != 3 {
		t.Fatalf("ElemCount = %d, want 3", cli.ElemCount())
	}
}

func TestRefreshCountTrimRemovesDroppedElements(t *testing.T) {
	a, b, err := aio.NewFifoPair()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()
	stop := make(chan struct{})
	defer close(stop)
	srv := &fakeServer{tr: b, count: 3}
	runFakeServer(t, srv, stop)

	ctx := aio.NewContext(a, 4)
	var mu sync.Mutex
	var removes int
	cli := Bind(ctx, 0, func(err error, elem int, kind EventKind, info ElemInfo) {
		mu.Lock()
		defer mu.Unlock()
		if kind == EventRemove {
			removes++
		}
	})
	if _, err := cli.RefreshCount(); err != nil {
		t.Fatal(err)
	}

	srv.count = 1
	if _, err := cli.RefreshCount(); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	defer mu.Unlock()
	if removes != 2 {
		t.Fatalf("removes = %d, want 2 (elements 1 and 2 trimmed)", removes)
	}
	if cli.ElemCount() != 1 {
		t.Fatalf("ElemCount = %d, want 1", cli.ElemCount())
	}
}

func TestElemGetEnumInfoReturnsLabel(t *testing.T) {
	a, b, err := aio.NewFifoPair()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()
	stop := make(chan struct{})
	defer close(stop)
	runFakeServer(t, &fakeServer{tr: b, count: 1}, stop)

	ctx := aio.NewContext(a, 4)
	cli := Bind(ctx, 0, nil)

	label, err := cli.ElemGetEnumInfo(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if label != "option1" {
		t.Fatalf("ElemGetEnumInfo = %q, want %q", label, "option1")
	}
}

func TestTstamp32CompatIgnoresHighBitWraparound(t *testing.T) {
	a, b, err := aio.NewFifoPair()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()
	stop := make(chan struct{})
	defer close(stop)
	srv := &fakeServer{tr: b, count: 1, tstampFor: func(i uint32) uint64 { return 1 }}
	runFakeServer(t, srv, stop)

	ctx := aio.NewContext(a, 4)
	var mu sync.Mutex
	var removes int
	cli := Bind(ctx, 0, func(err error, elem int, kind EventKind, info ElemInfo) {
		mu.Lock()
		defer mu.Unlock()
		if kind == EventRemove {
			removes++
		}
	})
	cli.SetTstamp32Compat(true)

	if _, err := cli.RefreshCount(); err != nil {
		t.Fatal(err)
	}

	// Same low 32 bits, different high bits: a real 32-bit peer wrapping
	// around should not look like a changed element once truncated.
	srv.tstampFor = func(i uint32) uint64 { return 1 | (1 << 32) }
	if _, err := cli.RefreshCount(); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if removes != 0 {
		t.Fatalf("removes = %d, want 0 under tstamp32 compat", removes)
	}
}

func TestOverflowDuringRefreshSchedulesRetry(t *testing.T) {
	a, b, err := aio.NewFifoPair()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()
	stop := make(chan struct{})
	defer close(stop)
	runFakeServer(t, &fakeServer{tr: b, count: 2}, stop)

	ctx := aio.NewContext(a, 4)
	cli := Bind(ctx, 0, nil)

	cli.mu.Lock()
	cli.state = stateGetList
	cli.mu.Unlock()

	cli.HandleAsyncEvent("CONTROL", 5, MaskOverflow)

	deadline := time.After(2 * time.Second)
	for {
		cli.mu.Lock()
		retry := cli.retryRefresh
		cli.mu.Unlock()
		if retry {
			break
		}
		select {
		case <-deadline:
			t.Fatal("retryRefresh was never set while a refresh was in progress")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	cli.mu.Lock()
	cli.state = stateIdle
	cli.mu.Unlock()
}
