// Package mixer implements the Mixer Control Client: an asynchronous
// mirror of a device's control elements, refreshed over the Request
// Transport and kept in sync via server-pushed events.
package mixer

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/sndsrv/sndsrv/internal/aio"
)

// Mixer control request codes.
const (
	CmdElemCount uint32 = iota + 1
	CmdElemInfo
	CmdElemGetInt32
	CmdElemSetInt32
	CmdElemGetRange
	CmdElemGetEnumInfo
	CmdSubscribe
)

// Event kinds fired through ChangeFunc by the element mirror's state
// machine and its event handling.
type EventKind int

const (
	EventValue EventKind = iota
	EventAdd
	EventRemove
)

// async event mask bits carried on CONTROL events.
const (
	MaskRemove   uint32 = 1 << 0
	MaskAdd      uint32 = 1 << 1
	MaskOverflow uint32 = 1 << 2
)

const ssDevRemove = ^uint32(0) // elem value meaning "the device itself"

// refreshState is the element-mirror state machine.
type refreshState int

const (
	stateIdle refreshState = iota
	stateGetCount
	stateGetList
)

// ElemInfo mirrors one control element's metadata.
type ElemInfo struct {
	Name   string
	Tstamp uint64
	Flags  uint32
}

type mirrorEntry struct {
	info    ElemInfo
	present bool
}

// ChangeFunc receives element-change notifications. err is non-zero for a
// device-level failure (e.g. ENODEV on HOTPLUG removal); elem is only
// meaningful when err == nil.
type ChangeFunc func(err error, elem int, kind EventKind, info ElemInfo)

// Client is the bound mixer control client for one device.
type Client struct {
	ctl    *aio.Context
	device uint32
	change ChangeFunc

	mu           sync.Mutex
	elements     []mirrorEntry
	state        refreshState
	retryRefresh bool
	bound        bool
	lastErr      error

	// tstamp32 makes updateElement compare tstamps truncated to 32 bits,
	// for peers that only carry DSPD_CTRLF_TSTAMP_32BIT-width timestamps;
	// otherwise a 32-bit peer's wraparound looks like a spurious change.
	tstamp32 bool

	// refreshLimit throttles CONTROL-event-triggered refreshes so a
	// flapping device can't drive an unbounded number of concurrent
	// GETCOUNT/GETLIST round trips; nil means unthrottled.
	refreshLimit *rate.Limiter
}

// Bind attaches the client to a device over an existing AIO context, spec
// §4.7 "bind(aio, device)".
func Bind(ctl *aio.Context, device uint32, change ChangeFunc) *Client {
	return &Client{ctl: ctl, device: device, change: change, bound: true}
}

// SetTstamp32Compat enables truncated-tstamp comparison for peers that
// report DSPD_CTRLF_TSTAMP_32BIT timestamps.
func (c *Client) SetTstamp32Compat(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tstamp32 = enabled
}

// SetRefreshRateLimit bounds how often an event-triggered refresh (as
// opposed to an explicit RefreshCount call) may fire, guarding against a
// device that hotplugs or overflows repeatedly. rps <= 0 disables the
// limit.
func (c *Client) SetRefreshRateLimit(rps float64, burst int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rps <= 0 {
		c.refreshLimit = nil
		return
	}
	c.refreshLimit = rate.NewLimiter(rate.Limit(rps), burst)
}

// Subscribe enables or disables event delivery for this client and
// returns the server's reported event queue length.
func (c *Client) Subscribe(enable bool) (int, error) {
	var in [1]byte
	if enable {
		in[0] = 1
	}
	out := make([]byte, 4)
	n, err := c.ctl.SyncCtl(c.device, CmdSubscribe, in[:], out)
	if err != nil {
		return 0, err
	}
	return int(decodeU32(out[:n])), nil
}

// ElemCount returns the number of mirrored elements.
func (c *Client) ElemCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.elements)
}

// ElemGetInfo returns the cached metadata for element i.
func (c *Client) ElemGetInfo(i int) (ElemInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.elements) || !c.elements[i].present {
		return ElemInfo{}, false
	}
	return c.elements[i].info, true
}

// RefreshCount kicks off the GETCOUNT→GETLIST refresh cycle. If a refresh
// is already in progress, RefreshCount sets retry_refresh instead of
// starting a second one concurrently.
func (c *Client) RefreshCount() (int, error) {
	c.mu.Lock()
	if c.state != stateIdle {
		c.retryRefresh = true
		c.mu.Unlock()
		return 0, aio.ErrAgain
	}
	c.state = stateGetCount
	c.mu.Unlock()

	out := make([]byte, 4)
	n, err := c.ctl.SyncCtl(c.device, CmdElemCount, nil, out)
	if err != nil {
		c.mu.Lock()
		c.state = stateIdle
		c.mu.Unlock()
		return 0, err
	}
	count := decodeU32(out[:n])

	c.mu.Lock()
	c.state = stateGetList
	c.mu.Unlock()

	if err := c.fetchList(int(count)); err != nil {
		c.mu.Lock()
		c.state = stateIdle
		c.mu.Unlock()
		return 0, err
	}

	c.mu.Lock()
	c.state = stateIdle
	retry := c.retryRefresh
	c.retryRefresh = false
	c.mu.Unlock()

	if retry {
		return c.RefreshCount()
	}
	return int(count), nil
}

// fetchList issues ElemInfo(i) for i=0..count-1 sequentially, diffing
// each against the cached entry and firing VALUE/ADD/REMOVE as
// appropriate.
func (c *Client) fetchList(count int) error {
	for i := 0; i < count; i++ {
		in := make([]byte, 4)
		encodeU32(in, uint32(i))
		out := make([]byte, 64)
		n, err := c.ctl.SyncCtl(c.device, CmdElemInfo, in, out)
		if err != nil {
			return err
		}
		info := decodeElemInfo(out[:n])
		c.updateElement(i, info)
	}
	c.trim(count)
	return nil
}

func (c *Client) updateElement(i int, info ElemInfo) {
	c.mu.Lock()
	for len(c.elements) <= i {
		c.elements = append(c.elements, mirrorEntry{})
	}
	old := c.elements[i]
	tstamp32 := c.tstamp32
	c.elements[i] = mirrorEntry{info: info, present: true}
	c.mu.Unlock()

	if !old.present {
		c.fire(i, EventAdd, info)
		return
	}
	oldTstamp, newTstamp := old.info.Tstamp, info.Tstamp
	if tstamp32 {
		oldTstamp, newTstamp = uint64(uint32(oldTstamp)), uint64(uint32(newTstamp))
	}
	if oldTstamp == newTstamp && old.info.Flags == info.Flags && old.info.Name == info.Name {
		c.fire(i, EventValue, info)
		return
	}
	c.fire(i, EventRemove, old.info)
	c.fire(i, EventAdd, info)
}

func (c *Client) trim(count int) {
	c.mu.Lock()
	dropped := c.elements[count:]
	c.elements = c.elements[:count]
	c.mu.Unlock()
	for i, d := range dropped {
		if d.present {
			c.fire(count+i, EventRemove, d.info)
		}
	}
}

func (c *Client) fire(elem int, kind EventKind, info ElemInfo) {
	if c.change != nil {
		c.change(nil, elem, kind, info)
	}
}

// ElemGetEnumInfo returns the label for option j of an ENUM-type element
// i, enumerated control introspection used for things like an
// input-source selector.
func (c *Client) ElemGetEnumInfo(i, j int) (string, error) {
	in := make([]byte, 8)
	encodeU32(in, uint32(i))
	encodeU32(in[4:], uint32(j))
	out := make([]byte, 64)
	n, err := c.ctl.SyncCtl(c.device, CmdElemGetEnumInfo, in, out)
	if err != nil {
		return "", err
	}
	label := out[:n]
	if idx := indexByte(label, 0); idx >= 0 {
		label = label[:idx]
	}
	return string(label), nil
}

// HandleAsyncEvent processes a HOTPLUG or CONTROL event delivered through
// the AIO context's async-event callback.
func (c *Client) HandleAsyncEvent(kind string, elem uint32, mask uint32) {
	switch kind {
	case "HOTPLUG":
		c.mu.Lock()
		c.bound = false
		c.mu.Unlock()
		if c.change != nil {
			c.change(aio.ErrNoDev, 0, EventRemove, ElemInfo{})
		}
	case "CONTROL":
		if elem == ssDevRemove {
			c.mu.Lock()
			c.bound = false
			c.mu.Unlock()
			if c.change != nil {
				c.change(aio.ErrNoDev, 0, EventRemove, ElemInfo{})
			}
			return
		}
		if mask&MaskRemove != 0 || mask&MaskAdd != 0 || mask&MaskOverflow != 0 {
			c.mu.Lock()
			limit := c.refreshLimit
			c.mu.Unlock()
			if limit != nil && !limit.Allow() {
				return
			}
			go c.RefreshCount()
			return
		}
		if c.change != nil {
			info, _ := c.ElemGetInfo(int(elem))
			c.change(nil, int(elem), EventValue, info)
		}
	}
}

func encodeU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func decodeU32(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// decodeElemInfo is a placeholder wire decode for a fixed-layout element
// info reply: 8 bytes tstamp, 4 bytes flags, remaining bytes name
// (NUL-padded).
func decodeElemInfo(b []byte) ElemInfo {
	var info ElemInfo
	if len(b) < 12 {
		return info
	}
	for i := 0; i < 8; i++ {
		info.Tstamp |= uint64(b[i]) << (8 * i)
	}
	info.Flags = decodeU32(b[8:12])
	name := b[12:]
	if idx := indexByte(name, 0); idx >= 0 {
		name = name[:idx]
	}
	info.Name = string(name)
	return info
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
