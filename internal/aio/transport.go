package aio

// Transport is the raw byte/fd movement abstraction a Context drives. Both
// the socket transport and the FIFO-pair transport implement it; the
// framing, tagging, and op state machine in context.go is transport-agnostic.
type Transport interface {
	// WriteRaw attempts one non-blocking write of b. It returns the number
	// of bytes written (which may be less than len(b)) and, when nothing at
	// all could be written without blocking, (0, ErrAgain).
	WriteRaw(b []byte) (int, error)
	// ReadRaw attempts one non-blocking read into b. (0, ErrAgain) means no
	// data is currently available.
	ReadRaw(b []byte) (int, error)
	// SendFD attaches fd as ancillary data to the next frame written via
	// WriteRaw. Implementations that cannot yet flush the pending ancillary
	// data (e.g. the in-band bytes haven't been written) must return
	// ErrAgain and the caller must retry.
	SendFD(fd int) error
	// RecvFD returns a file descriptor delivered alongside the most recent
	// ReadRaw call, if any.
	RecvFD() (fd int, ok bool)
	// PollFD returns a file descriptor suitable for poll(2)/epoll(7)
	// readiness notification for this transport.
	PollFD() int
	// Local reports whether this transport connects two endpoints in the
	// same process (enabling the zero-copy FlagPointer path).
	Local() bool
	// Close releases the transport's underlying resources.
	Close() error
}

// PointerTransport is implemented by local (Local() == true) transports
// that can hand a peer the actual InBuf/OutBuf slices instead of copying
// them into the frame. A Context falls back to the ordinary copy path
// when the bound transport doesn't implement this.
type PointerTransport interface {
	Transport
	// SendPointer attaches a descriptor to the next frame written via
	// WriteRaw, the same way SendFD attaches an fd. Returns ErrAgain if
	// the pending-descriptor slot isn't free yet.
	SendPointer(PointerDescriptor) error
	// RecvPointer returns the descriptor delivered alongside the most
	// recent ReadRaw call, if any.
	RecvPointer() (PointerDescriptor, bool)
}
