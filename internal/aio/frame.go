package aio

import "encoding/binary"

// HeaderSize is the fixed wire header size in bytes.
const HeaderSize = 32

// Frame flag bits, carried in Header.Flags.
const (
	FlagError         uint32 = 1 << 0
	FlagPollIn        uint32 = 1 << 1
	FlagPollOut       uint32 = 1 << 2
	FlagPollPri       uint32 = 1 << 3
	FlagPollHup       uint32 = 1 << 4
	FlagEvent         uint32 = 1 << 5
	FlagOverflow      uint32 = 1 << 6
	FlagRouteChanged  uint32 = 1 << 7
	FlagNonblock      uint32 = 1 << 8
	FlagCmsgFD        uint32 = 1 << 9
	FlagCmsgCred      uint32 = 1 << 10
	FlagRemote        uint32 = 1 << 11
	FlagPointer       uint32 = 1 << 12
	FlagUnixIoctl     uint32 = 1 << 13
	FlagUnixFastIoctl uint32 = 1 << 14
)

// StreamSocketServer is the stream value meaning "no stream, talk to the
// socket server itself".
const StreamSocketServer int32 = -1

// CmdAsyncEvent is a pseudo request code: frames carrying this cmd are
// routed to the installed event callback instead of matching a pending op.
// A matched reply with flag bits other than ERROR and POINTER set is also
// passed to the event callback, and still completes its op.
const CmdAsyncEvent uint32 = 0xFFFFFFFF

// Header is the fixed 32-byte request/reply frame header.
type Header struct {
	TotalLen      uint32 // including header
	Flags         uint32
	Cmd           uint32
	Stream        int32
	BytesReturned int32
	ReplyLenOrErr uint32 // union: reply_len normally, err when Flags&FlagError
	Tag           uint64
}

// Encode writes h into a HeaderSize-byte buffer.
func (h Header) Encode() []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.TotalLen)
	binary.LittleEndian.PutUint32(b[4:8], h.Flags)
	binary.LittleEndian.PutUint32(b[8:12], h.Cmd)
	binary.LittleEndian.PutUint32(b[12:16], uint32(h.Stream))
	binary.LittleEndian.PutUint32(b[16:20], uint32(h.BytesReturned))
	binary.LittleEndian.PutUint32(b[20:24], h.ReplyLenOrErr)
	binary.LittleEndian.PutUint64(b[24:32], h.Tag)
	return b
}

// DecodeHeader parses a HeaderSize-byte buffer into a Header.
func DecodeHeader(b []byte) Header {
	return Header{
		TotalLen:      binary.LittleEndian.Uint32(b[0:4]),
		Flags:         binary.LittleEndian.Uint32(b[4:8]),
		Cmd:           binary.LittleEndian.Uint32(b[8:12]),
		Stream:        int32(binary.LittleEndian.Uint32(b[12:16])),
		BytesReturned: int32(binary.LittleEndian.Uint32(b[16:20])),
		ReplyLenOrErr: binary.LittleEndian.Uint32(b[20:24]),
		Tag:           binary.LittleEndian.Uint64(b[24:32]),
	}
}

// PointerDescriptor is the local (FlagPointer) zero-copy payload shape: the
// payload carries pointer+length pairs instead of raw bytes. In this Go
// port, where both sides of a "local" transport live in the same
// process, the descriptor carries the actual slices rather than raw
// pointers, since Go cannot safely reinterpret an arbitrary uintptr as a
// pointer across a wire boundary.
type PointerDescriptor struct {
	In  []byte
	Out []byte
}

// EncodeTag packs the generation/slot/user-tag triple into the 64-bit wire
// tag: (generation<<48) | (slot_index<<32) | user_tag.
func EncodeTag(generation, slotIndex uint16, userTag uint32) uint64 {
	return uint64(generation)<<48 | uint64(slotIndex)<<32 | uint64(userTag)
}

// DecodeTag is the inverse of EncodeTag.
func DecodeTag(tag uint64) (generation, slotIndex uint16, userTag uint32) {
	generation = uint16(tag >> 48)
	slotIndex = uint16(tag >> 32)
	userTag = uint32(tag)
	return
}
