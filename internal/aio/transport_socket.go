package aio

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

// TokenVerifier validates a bearer token presented during a remote socket
// transport's accept handshake and returns the authenticated subject.
// *transportauth.TokenIssuer satisfies this; it is accepted as an
// interface here so aio does not import transportauth directly (avoiding
// a dependency from the transport-agnostic package onto the auth policy
// package).
type TokenVerifier interface {
	Verify(token string) (subject string, err error)
}

// PeerLimiter throttles connection acceptance per remote address.
// *transportauth.PeerRateLimiter satisfies this.
type PeerLimiter interface {
	Allow(addr net.Addr) bool
}

// SocketListener accepts SocketTransport connections on an AF_UNIX
// listener, optionally gating acceptance with a PeerLimiter and requiring
// a bearer token verified by a TokenVerifier before handing back a ready
// transport. Both are nil for the common local case. SocketTransport does
// not retrieve peer credentials (no SO_PEERCRED lookup), so with a nil
// verifier every local peer that connects is accepted.
type SocketListener struct {
	ln       *net.UnixListener
	verifier TokenVerifier
	limiter  PeerLimiter
}

// ListenSocketTransport starts listening for incoming connections.
func ListenSocketTransport(path string, verifier TokenVerifier, limiter PeerLimiter) (*SocketListener, error) {
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	return &SocketListener{ln: ln, verifier: verifier, limiter: limiter}, nil
}

// Accept blocks for the next connection, applies rate limiting and the
// token handshake (when configured), and returns a ready SocketTransport.
// A connection rejected by either check is closed and Accept retries on
// the next incoming connection rather than returning an error, so a
// single abusive peer cannot make the listener appear dead.
func (l *SocketListener) Accept() (*SocketTransport, error) {
	for {
		conn, err := l.ln.AcceptUnix()
		if err != nil {
			return nil, err
		}

		if l.limiter != nil && !l.limiter.Allow(conn.RemoteAddr()) {
			conn.Close()
			continue
		}

		if l.verifier != nil {
			subject, err := l.handshake(conn)
			if err != nil {
				conn.Close()
				continue
			}
			_ = subject // available to callers wanting per-subject policy; not tracked further here
		}

		return NewSocketTransport(conn), nil
	}
}

// maxTokenLen bounds the handshake read so a peer that never sends a
// newline cannot make the accept loop buffer unbounded data.
const maxTokenLen = 4096

// handshake reads one newline-terminated bearer token line before any
// framed traffic begins. It reads a single byte at a time rather than
// through a buffered reader so no bytes belonging to the first real
// frame are ever consumed out from under the subsequent ReadMsgUnix
// calls SocketTransport makes on the same connection.
func (l *SocketListener) handshake(conn *net.UnixConn) (string, error) {
	var line []byte
	var b [1]byte
	for len(line) < maxTokenLen {
		n, err := conn.Read(b[:])
		if err != nil {
			return "", fmt.Errorf("reading transport auth token: %w", err)
		}
		if n == 0 {
			continue
		}
		if b[0] == '\n' {
			return l.verifier.Verify(string(line))
		}
		line = append(line, b[0])
	}
	return "", fmt.Errorf("transport auth token exceeds %d bytes", maxTokenLen)
}

// Close stops accepting new connections.
func (l *SocketListener) Close() error { return l.ln.Close() }

// SocketTransport carries frames over an AF_UNIX SOCK_STREAM connection,
// passing file descriptors as SCM_RIGHTS ancillary data. It implements
// Transport.
type SocketTransport struct {
	conn *net.UnixConn

	mu        sync.Mutex
	pendingFD int
	havePend  bool

	recvFD   int
	haveRecv bool
}

// NewSocketTransport wraps an established *net.UnixConn. Go's net package
// already multiplexes blocking calls onto the runtime poller, so callers
// get non-blocking semantics for free without needing
// SetReadDeadline/SetWriteDeadline tricks here; "non-blocking raw I/O" is
// a property of the Context above this type, not of the OS socket itself.
func NewSocketTransport(conn *net.UnixConn) *SocketTransport {
	return &SocketTransport{conn: conn}
}

// DialSocketTransport connects to a sound server listening on a Unix
// domain socket.
func DialSocketTransport(path string) (*SocketTransport, error) {
	c, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}
	return NewSocketTransport(c), nil
}

// DialSocketTransportWithToken connects and completes the bearer-token
// handshake a ListenSocketTransport with a TokenVerifier expects, before
// any framed traffic is sent.
func DialSocketTransportWithToken(path, token string) (*SocketTransport, error) {
	c, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}
	if _, err := c.Write([]byte(token + "\n")); err != nil {
		c.Close()
		return nil, fmt.Errorf("sending transport auth token: %w", err)
	}
	return NewSocketTransport(c), nil
}

func (s *SocketTransport) WriteRaw(b []byte) (int, error) {
	s.mu.Lock()
	fd := s.pendingFD
	hasFD := s.havePend
	s.mu.Unlock()

	var oob []byte
	if hasFD {
		oob = unix.UnixRights(fd)
	}
	n, _, err := s.conn.WriteMsgUnix(b, oob, nil)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, ErrAgain
		}
		return n, err
	}
	if hasFD {
		s.mu.Lock()
		s.havePend = false
		s.mu.Unlock()
	}
	return n, nil
}

func (s *SocketTransport) ReadRaw(b []byte) (int, error) {
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := s.conn.ReadMsgUnix(b, oob)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, ErrAgain
		}
		return n, err
	}
	if oobn > 0 {
		if fd, ok := parseRecvFD(oob[:oobn]); ok {
			s.mu.Lock()
			s.recvFD = fd
			s.haveRecv = true
			s.mu.Unlock()
		}
	}
	return n, nil
}

func parseRecvFD(oob []byte) (int, bool) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return 0, false
	}
	for _, m := range msgs {
		fds, err := unix.ParseUnixRights(&m)
		if err == nil && len(fds) > 0 {
			return fds[0], true
		}
	}
	return 0, false
}

// SendFD queues fd to ride alongside the next WriteRaw call. Only one fd
// can be queued at a time; a second call before the first is flushed
// returns ErrAgain.
func (s *SocketTransport) SendFD(fd int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.havePend {
		return ErrAgain
	}
	s.pendingFD = fd
	s.havePend = true
	return nil
}

func (s *SocketTransport) RecvFD() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.haveRecv {
		return 0, false
	}
	s.haveRecv = false
	return s.recvFD, true
}

// PollFD returns the underlying socket's file descriptor.
func (s *SocketTransport) PollFD() int {
	raw, err := s.conn.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	raw.Control(func(f uintptr) { fd = int(f) })
	return fd
}

// Local is always false for a socket transport: the two endpoints are
// separate processes, so zero-copy FlagPointer payloads never apply.
func (s *SocketTransport) Local() bool { return false }

func (s *SocketTransport) Close() error { return s.conn.Close() }
