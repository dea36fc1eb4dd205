// Package aio implements the Request Transport: a framed, tagged
// request/reply channel supporting pipelined asynchronous submission over
// either a stream socket or a paired FIFO.
package aio

import "golang.org/x/sys/unix"

// Error taxonomy. unix.Errno already implements error, so these are usable
// directly with errors.Is against whatever a Transport or a peer reply
// surfaces.
var (
	ErrAgain       = unix.EAGAIN
	ErrWouldBlock  = unix.EWOULDBLOCK
	ErrIntr        = unix.EINTR
	ErrInProgress  = unix.EINPROGRESS
	ErrProto       = unix.EPROTO
	ErrBadFD       = unix.EBADFD
	ErrNoSys       = unix.ENOSYS
	ErrStale       = unix.EIDRM
	ErrBusy        = unix.EBUSY
	ErrNoDev       = unix.ENODEV
	ErrConnAborted = unix.ECONNABORTED
	ErrShutdown    = unix.ESHUTDOWN
	ErrCanceled    = unix.ECANCELED
	ErrNoMem       = unix.ENOMEM
	ErrTooBig      = unix.E2BIG
	ErrChRng       = unix.ECHRNG
	ErrDom         = unix.EDOM
	ErrPipe        = unix.EPIPE
	ErrIO          = unix.EIO
	ErrPerm        = unix.EPERM
)
