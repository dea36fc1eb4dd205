// Package pcm implements the PCM Client Runtime: the stateful per-stream
// object that negotiates hardware parameters, owns the shared ring and
// mailbox, tracks application/hardware pointers, and exposes a
// poll-based read/write/drain/pause interface.
package pcm

import (
	"sync/atomic"

	"github.com/sndsrv/sndsrv/internal/aio"
	"github.com/sndsrv/sndsrv/internal/chmap"
	"github.com/sndsrv/sndsrv/internal/mbx"
	"github.com/sndsrv/sndsrv/internal/ring"
)

// State is the PCM Client Runtime's lifecycle state.
type State int32

const (
	StateOpen State = iota
	StateHWParams
	StateSWParams
	StatePrepared
	StateRunning
	StatePaused
	StateDraining
	StateXrun
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHWParams:
		return "hwparams"
	case StateSWParams:
		return "swparams"
	case StatePrepared:
		return "prepared"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateDraining:
		return "draining"
	case StateXrun:
		return "xrun"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Control request codes submitted over the AIO transport.
const (
	CmdStart uint32 = iota + 1
	CmdStop
	CmdPause
	CmdUnpause
	CmdDrain
	CmdPrepare
	CmdReset
)

// HWParams are the negotiated hardware parameters for a Stream.
type HWParams struct {
	Rate          uint32
	Format        string
	Channels      int
	FrameSize     uint32 // bytes per frame
	FragmentSize  uint32 // frames
	BufferSize    uint32 // frames
	StartThresh   uint32 // frames
	DeviceLayout  chmap.Map
	ClientLayout  chmap.Map
	Capture       bool
}

// Resampler converts between the application's rate and the device's
// rate, as a pluggable interface: sample-rate conversion is never baked
// into the Stream itself.
type Resampler interface {
	// SizeOut returns how many output frames Convert would produce for
	// inFrames input frames at the configured rate ratio.
	SizeOut(inFrames int) int
	Convert(in []byte, out []byte) (consumed, produced int)
	// Latency reports the resampler's added delay, in output frames.
	Latency() int
}

// IdentityResampler passes audio through unchanged; used when the
// application and device rates match, and as the reference
// implementation for tests.
type IdentityResampler struct{}

func (IdentityResampler) SizeOut(inFrames int) int          { return inFrames }
func (IdentityResampler) Convert(in, out []byte) (int, int) { n := copy(out, in); return n, n }
func (IdentityResampler) Latency() int                      { return 0 }

// LinearResampler performs linear interpolation between 16-bit
// little-endian frames. No SRC kernel ships as part of the runtime
// itself; this exists only as a reference Resampler for tests that need
// something other than the identity ratio to exercise SizeOut/Convert.
type LinearResampler struct {
	InRate, OutRate uint32
	FrameSize       int // bytes per frame; FrameSize/2 interleaved int16 channels
}

func (r LinearResampler) ratio() float64 {
	if r.InRate == 0 || r.OutRate == 0 {
		return 1
	}
	return float64(r.InRate) / float64(r.OutRate)
}

func (r LinearResampler) SizeOut(inFrames int) int {
	if inFrames == 0 {
		return 0
	}
	out := int(float64(inFrames) / r.ratio())
	if out < 1 {
		out = 1
	}
	return out
}

func (r LinearResampler) Convert(in, out []byte) (consumed, produced int) {
	channels := r.FrameSize / 2
	inFrames := len(in) / r.FrameSize
	if inFrames == 0 || channels == 0 {
		return 0, 0
	}
	outFrames := r.SizeOut(inFrames)
	if outFrames*r.FrameSize > len(out) {
		outFrames = len(out) / r.FrameSize
	}
	step := r.ratio()
	for i := 0; i < outFrames; i++ {
		srcPos := float64(i) * step
		i0 := int(srcPos)
		if i0 >= inFrames-1 {
			i0 = inFrames - 2
			if i0 < 0 {
				i0 = 0
			}
		}
		frac := srcPos - float64(i0)
		for c := 0; c < channels; c++ {
			s0 := sample16(in, i0, c, r.FrameSize)
			s1 := sample16(in, i0+1, c, r.FrameSize)
			v := float64(s0) + (float64(s1)-float64(s0))*frac
			writeSample16(out, i, c, r.FrameSize, int16(v))
		}
	}
	return inFrames * r.FrameSize, outFrames * r.FrameSize
}

func (r LinearResampler) Latency() int { return 0 }

func sample16(buf []byte, frame, channel, frameSize int) int16 {
	off := frame*frameSize + channel*2
	if off < 0 || off+1 >= len(buf) {
		return 0
	}
	return int16(uint16(buf[off]) | uint16(buf[off+1])<<8)
}

func writeSample16(buf []byte, frame, channel, frameSize int, v int16) {
	off := frame*frameSize + channel*2
	buf[off] = byte(uint16(v))
	buf[off+1] = byte(uint16(v) >> 8)
}

// Stream is one direction (playback or capture) of a PCM client.
// Exactly one non-realtime goroutine should call
// Write/Read/Prepare/Start/etc; the device thread calls AdvanceHW.
type Stream struct {
	Ring *ring.Ring
	Mbx  *mbx.Mailbox

	Params HWParams
	Route  chmap.Route

	Ctl    *aio.Context // nil in offline/test mode: control ops are local only
	StreamID uint32
	Resample Resampler

	state atomic.Int32

	applPtr atomic.Uint32 // frames, monotonic
	hwPtr   atomic.Uint32 // frames, monotonic, written by the device thread

	started  atomic.Bool
	prepared atomic.Bool

	startRequests atomic.Uint32 // observability for the start-threshold test property
}

// Open creates a Stream bound to an already-attached ring and mailbox.
func Open(r *ring.Ring, mb *mbx.Mailbox, streamID uint32) *Stream {
	s := &Stream{Ring: r, Mbx: mb, StreamID: streamID, Resample: IdentityResampler{}}
	s.state.Store(int32(StateOpen))
	return s
}

func (s *Stream) State() State { return State(s.state.Load()) }

// SetHWParams negotiates hardware parameters and builds the routing
// matrix if the client and device layouts differ.
func (s *Stream) SetHWParams(p HWParams) error {
	if p.Channels <= 0 || p.FrameSize == 0 || p.BufferSize == 0 {
		return aio.ErrDom
	}
	s.Params = p
	if len(p.ClientLayout.Positions) > 0 && len(p.DeviceLayout.Positions) > 0 {
		route, err := chmap.Build(p.ClientLayout, p.DeviceLayout, p.Capture)
		if err != nil {
			return err
		}
		s.Route = route
	}
	s.state.Store(int32(StateHWParams))
	return nil
}

// SetSWParams finalizes software parameters (currently just the start
// threshold, already carried on HWParams) and advances to swparams state.
func (s *Stream) SetSWParams(startThresh uint32) {
	s.Params.StartThresh = startThresh
	s.state.Store(int32(StateSWParams))
}

// Prepare resets pointers and transitions to Prepared, clearing any prior
// XRUN: XRUN is terminal until the stream is explicitly re-prepared.
func (s *Stream) Prepare() error {
	if s.State() == StateDisconnected {
		return aio.ErrNoDev
	}
	s.applPtr.Store(0)
	s.hwPtr.Store(0)
	s.started.Store(false)
	s.prepared.Store(true)
	s.state.Store(int32(StatePrepared))
	return s.ctl(CmdPrepare)
}

// Reset does exactly what Prepare does: it zeroes the application and
// hardware pointers, returns to Prepared and sends CmdPrepare. Data
// already in the ring is not discarded, and CmdReset is not sent.
func (s *Stream) Reset() error {
	return s.Prepare()
}

func (s *Stream) ctl(cmd uint32) error {
	if s.Ctl == nil {
		return nil
	}
	_, err := s.Ctl.SyncCtl(s.StreamID, cmd, nil, nil)
	return err
}

// start issues the implicit START control request exactly once: the
// first write that crosses start_threshold while Prepared produces
// exactly one START control request.
func (s *Stream) start() error {
	if s.started.Load() {
		return nil
	}
	s.started.Store(true)
	s.state.Store(int32(StateRunning))
	s.startRequests.Add(1)
	return s.ctl(CmdStart)
}

// StartRequestCount reports how many START requests this stream has
// issued; exposed for the start-threshold testable property.
func (s *Stream) StartRequestCount() uint32 { return s.startRequests.Load() }

// Stop halts the stream and returns to Prepared.
func (s *Stream) Stop() error {
	s.started.Store(false)
	s.state.Store(int32(StatePrepared))
	return s.ctl(CmdStop)
}

// Pause/Unpause toggle StatePaused, valid only from/to StateRunning.
func (s *Stream) Pause() error {
	if s.State() != StateRunning {
		return aio.ErrBusy
	}
	s.state.Store(int32(StatePaused))
	return s.ctl(CmdPause)
}

func (s *Stream) Unpause() error {
	if s.State() != StatePaused {
		return aio.ErrBusy
	}
	s.state.Store(int32(StateRunning))
	return s.ctl(CmdUnpause)
}

// Drain waits for all buffered frames to reach the device. In this
// runtime (no blocking device callback wired in-process) it issues the
// control request and transitions back to Prepared once acknowledged;
// callers needing blocking semantics should poll State() or Delay().
func (s *Stream) Drain() error {
	s.state.Store(int32(StateDraining))
	if err := s.ctl(CmdDrain); err != nil {
		return err
	}
	s.state.Store(int32(StatePrepared))
	s.started.Store(false)
	return nil
}

// Write pushes frames (raw bytes, s.Params.FrameSize each) into the ring
// and advances the application pointer. It never blocks: a full ring
// returns (0, ErrAgain), where Ring.Write itself reports 0 frames and a
// nil error.
func (s *Stream) Write(frames []byte) (int, error) {
	if s.State() == StateDisconnected {
		return 0, aio.ErrNoDev
	}
	if s.State() == StateXrun {
		return 0, aio.ErrPipe
	}
	framesWritten, err := s.Ring.Write(frames)
	if err != nil {
		return 0, err
	}
	if framesWritten > 0 {
		s.applPtr.Add(uint32(framesWritten))
	}
	if s.State() == StatePrepared {
		bufferedFrames := s.Ring.LenFrames()
		if bufferedFrames >= s.Params.StartThresh {
			if err := s.start(); err != nil {
				return framesWritten * int(s.Params.FrameSize), err
			}
		}
	}
	if framesWritten == 0 {
		return 0, aio.ErrAgain
	}
	return framesWritten * int(s.Params.FrameSize), nil
}

// Read pulls frames out of the ring for a capture stream.
func (s *Stream) Read(dst []byte) (int, error) {
	if s.State() == StateDisconnected {
		return 0, aio.ErrNoDev
	}
	if s.State() == StateXrun {
		return 0, aio.ErrPipe
	}
	framesRead, err := s.Ring.Read(dst)
	if err != nil {
		return 0, err
	}
	if framesRead > 0 {
		s.applPtr.Add(uint32(framesRead))
	}
	if framesRead == 0 {
		return 0, aio.ErrAgain
	}
	return framesRead * int(s.Params.FrameSize), nil
}

// AdvanceHW is called by the (simulated, in tests) device thread to
// report that it has consumed/produced frames up to the device's
// observed application pointer. It detects XRUN by the rule: playback
// overflows when appl_ptr-hw_ptr > buffer_size, capture overflows when
// hw_ptr-appl_ptr > buffer_size.
func (s *Stream) AdvanceHW(frames uint32) {
	s.hwPtr.Add(frames)
	s.checkXrun()
}

func (s *Stream) checkXrun() {
	appl := s.applPtr.Load()
	hw := s.hwPtr.Load()
	var delta uint32
	if s.Params.Capture {
		delta = hw - appl
	} else {
		delta = appl - hw
	}
	if delta > s.Params.BufferSize {
		s.state.Store(int32(StateXrun))
	}
}

// HwPointer returns the hardware pointer (frames the device has reported
// through AdvanceHW), or ErrPipe once an XRUN has been detected.
func (s *Stream) HwPointer() (uint32, error) {
	if s.State() == StateXrun {
		return 0, aio.ErrPipe
	}
	return s.hwPtr.Load(), nil
}

// Delay returns the device-reported latency in frames.
// Playback reports ErrIO when the application and hardware pointers have
// converged with a full buffer (nothing more can be written and nothing
// is draining), ErrPipe on underrun, and otherwise the appl-hw
// difference plus the resampler's added latency.
func (s *Stream) Delay() (int, error) {
	if s.State() == StateXrun {
		return 0, aio.ErrPipe
	}
	appl := s.applPtr.Load()
	hw := s.hwPtr.Load()
	if !s.Params.Capture && appl == hw && s.Ring.LenFrames() >= s.Params.BufferSize {
		return 0, aio.ErrIO
	}
	var frames int
	if s.Params.Capture {
		frames = int(hw - appl)
	} else {
		frames = int(appl - hw)
	}
	if s.Resample != nil {
		frames += s.Resample.Latency()
	}
	return frames, nil
}

// PollRevents synthesizes poll(2)-style readiness bits: POLLOUT when the
// ring has write space (playback) or POLLIN when it has data (capture),
// and POLLHUP|POLLERR once the device is gone.
func (s *Stream) PollRevents() int16 {
	const (
		pollIn  = 0x001
		pollOut = 0x004
		pollErr = 0x008
		pollHup = 0x010
	)
	if s.State() == StateDisconnected {
		return pollHup | pollErr
	}
	if s.State() == StateXrun {
		return pollHup | pollErr
	}
	var evt int16
	if s.Params.Capture {
		if s.Ring.LenFrames() > 0 {
			evt |= pollIn
		}
	} else {
		if s.Ring.SpaceFrames() > 0 {
			evt |= pollOut
		}
	}
	return evt
}

// Disconnect marks the stream permanently dead: it raises POLLHUP|POLLERR
// and causes further data-path calls to return ErrNoDev.
func (s *Stream) Disconnect() {
	s.state.Store(int32(StateDisconnected))
}
