// Package client implements the Client object: a single logical conversation
// multiplexed either over the shared serial link (a Serial client bound to a
// channel) or over an individual guest pipe connection (a Pipe client with
// its own outbound message queue). It owns the optional per-client
// sub-framing reassembly state described by the serial package's sibling
// FrameHeaderSize/MaxSerialPayload constants.
package client

import (
	"fmt"
	"io"

	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/bufpool"
	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qemud/control"
	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qemud/serial"
	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qemud/sink"
	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qemud/snapshot"
	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qerrors"
)

// Factory constructs a Client bound to a particular channel (or, for
// channel < 0, a Pipe client) for use as a service's Connect callback. The
// multiplexer supplies one bound to its own serial codec, output, and
// global client list, so that services never need to know those details.
type Factory func(channel int, param string, hasParam bool) (*Client, error)

// Transport discriminates a Client's wire binding.
type Transport int

const (
	TransportSerial Transport = iota
	TransportPipe
)

// PipeBridge is the subset of the host pipe bridge a Pipe client calls back
// into. The concrete implementation lives in the pipe package; this
// interface exists so that client does not need to import it.
type PipeBridge interface {
	WakeRead()
	RequestClose()
}

// List is the multiplexer's global client list: a doubly linked list ordered
// by insertion, equivalent to the original's intrusive (next, pref) list but
// expressed as plain Next/Prev pointers owned by the list itself.
type List struct {
	head *Client
}

// Prepend inserts c at the head of the list.
func (l *List) Prepend(c *Client) {
	c.list = l
	c.next = l.head
	c.prev = nil
	if l.head != nil {
		l.head.prev = c
	}
	l.head = c
}

// Remove unlinks c from the list. A client not currently in any list is a no-op.
func (l *List) Remove(c *Client) {
	if c.prev != nil {
		c.prev.next = c.next
	} else if l.head == c {
		l.head = c.next
	}
	if c.next != nil {
		c.next.prev = c.prev
	}
	c.next = nil
	c.prev = nil
	c.list = nil
}

// Head returns the first client in the list, or nil if empty.
func (l *List) Head() *Client { return l.head }

// Next returns the next client after c in its list, or nil.
func (c *Client) Next() *Client { return c.next }

type pipeMessage struct {
	data   []byte
	offset int
	pooled bool // data came from bufpool and should be returned to it once fully drained
	next   *pipeMessage
}

// Client represents one conversation with a guest-side endpoint: either a
// Serial client bound to a channel on the shared serial link, or a Pipe
// client with its own outbound queue and host pipe bridge back-reference.
type Client struct {
	transport Transport

	// Serial variant.
	channel     int
	serialCodec *serial.Codec
	serialOut   io.Writer

	// Pipe variant.
	bridge   PipeBridge
	msgHead  *pipeMessage
	lastMsg  *pipeMessage

	param    string
	hasParam bool

	onRecv            func(c *Client, payload []byte)
	onClose           func(c *Client)
	onSave            func(w io.Writer) error
	onLoad            func(r io.Reader) error
	removeFromService func(c *Client)

	framing     bool
	needHeader  bool
	headerBuf   [serial.FrameHeaderSize]byte
	headerSink  sink.Sink
	payloadBuf  []byte
	payloadSink sink.Sink

	closing bool

	list       *List
	next, prev *Client
}

// New allocates a Client. channel < 0 selects a Pipe client; otherwise the
// client is a Serial client bound to codec/out on that channel (channel 0 is
// reserved for the multiplexer's own control client). The client is
// prepended to list, matching qemud_client_alloc's insertion order.
func New(channel int, param string, hasParam bool, codec *serial.Codec, out io.Writer, list *List) *Client {
	c := &Client{
		channel:    channel,
		param:      param,
		hasParam:   hasParam,
		needHeader: true,
	}
	if channel < 0 {
		c.transport = TransportPipe
	} else {
		c.transport = TransportSerial
		c.serialCodec = codec
		c.serialOut = out
	}
	sink.Reset(&c.headerSink, c.headerBuf[:], serial.FrameHeaderSize)
	if list != nil {
		list.Prepend(c)
	}
	return c
}

// BindPipe attaches the host pipe bridge back-reference. Only meaningful for
// Pipe clients; called once the pipe transport has allocated its handle.
func (c *Client) BindPipe(bridge PipeBridge) { c.bridge = bridge }

// SetCallbacks installs the service-supplied recv/close callbacks.
func (c *Client) SetCallbacks(recv func(*Client, []byte), closeFn func(*Client)) {
	c.onRecv = recv
	c.onClose = closeFn
}

// SetRemoveFromService installs the hook the owning service uses to drop
// this client from its own client list when Disconnect tears it down.
func (c *Client) SetRemoveFromService(fn func(*Client)) { c.removeFromService = fn }

// SetSaveLoad installs the service-supplied per-client save/load callbacks.
func (c *Client) SetSaveLoad(save func(io.Writer) error, load func(io.Reader) error) {
	c.onSave = save
	c.onLoad = load
}

// SaveCustom invokes the client's service-supplied save callback, if any.
func (c *Client) SaveCustom(w io.Writer) error {
	if c.onSave == nil {
		return nil
	}
	return c.onSave(w)
}

// LoadCustom invokes the client's service-supplied load callback, if any.
func (c *Client) LoadCustom(r io.Reader) error {
	if c.onLoad == nil {
		return nil
	}
	return c.onLoad(r)
}

// Transport reports whether this is a Serial or Pipe client.
func (c *Client) Transport() Transport { return c.transport }

// Channel returns the serial channel (meaningless for Pipe clients).
func (c *Client) Channel() int { return c.channel }

// Param returns the per-client connect-time parameter string, if any.
func (c *Client) Param() (string, bool) { return c.param, c.hasParam }

// Framing reports whether sub-frame reassembly is currently enabled.
func (c *Client) Framing() bool { return c.framing }

// IsClosing reports whether Disconnect has already latched on this client.
func (c *Client) IsClosing() bool { return c.closing }

// SuppressDisconnectNotice sets the channel to -1 so that a subsequent
// Disconnect does not emit an outbound "disconnect:" notice on channel 0.
// Used when the guest itself originated the disconnect.
func (c *Client) SuppressDisconnectNotice() { c.channel = -1 }

// SetFraming enables or disables per-client sub-frame reassembly.
// Disabling releases any in-flight payload buffer; re-enabling resumes in
// header-awaiting state. Idempotent.
func (c *Client) SetFraming(enabled bool) {
	if c.framing && !enabled && !c.needHeader {
		c.payloadBuf = nil
		c.needHeader = true
	}
	c.framing = enabled
}

// Send transmits payload to the peer, applying this client's transport
// (Serial codec encode, or Pipe queue enqueue) and sub-framing.
func (c *Client) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	if c.transport == TransportPipe {
		c.pipeSend(payload)
		return nil
	}
	return c.serialCodec.Send(c.serialOut, c.channel, payload, c.framing)
}

// pipeSend packetizes payload into the outbound pipe queue, prefixing a
// FrameHeaderSize sub-frame length header as its own queued message when
// framing is enabled, then chunking the rest to MaxSerialPayload.
func (c *Client) pipeSend(payload []byte) {
	msglen := len(payload)
	remaining := msglen
	framing := c.framing
	if framing {
		remaining += serial.FrameHeaderSize
	}

	for remaining > 0 {
		avail := remaining
		if avail > serial.MaxSerialPayload {
			avail = serial.MaxSerialPayload
		}
		if framing {
			hdr := []byte(fmt.Sprintf("%04x", msglen))
			c.enqueue(hdr, false)
			if c.bridge != nil {
				c.bridge.WakeRead()
			}
			avail -= serial.FrameHeaderSize
			remaining -= serial.FrameHeaderSize
			framing = false
		}
		chunk := bufpool.Get(avail)
		copy(chunk, payload[:avail])
		c.enqueue(chunk, true)
		if c.bridge != nil {
			c.bridge.WakeRead()
		}
		payload = payload[avail:]
		remaining -= avail
	}
}

func (c *Client) enqueue(data []byte, pooled bool) {
	msg := &pipeMessage{data: data, pooled: pooled}
	if c.lastMsg != nil {
		c.lastMsg.next = msg
	} else {
		c.msgHead = msg
	}
	c.lastMsg = msg
}

// PendingBytes reports whether the outbound pipe queue holds anything.
func (c *Client) PendingBytes() bool { return c.msgHead != nil }

// DrainInto copies queued outbound pipe-message bytes into dst, advancing
// per-message offsets and freeing messages that become fully consumed. It
// stops when dst is full or the queue is exhausted, and returns the number
// of bytes copied. Used by the pipe transport's recv_buffers walk.
func (c *Client) DrainInto(dst []byte) int {
	n := 0
	for n < len(dst) && c.msgHead != nil {
		m := c.msgHead
		copied := copy(dst[n:], m.data[m.offset:])
		m.offset += copied
		n += copied
		if m.offset == len(m.data) {
			c.msgHead = m.next
			if c.msgHead == nil {
				c.lastMsg = nil
			}
			if m.pooled {
				bufpool.Put(m.data)
			}
		}
	}
	return n
}

// Recv processes an inbound chunk of bytes from the client's transport,
// handling optional sub-frame reassembly before delivering complete
// messages to the service's recv callback.
func (c *Client) Recv(data []byte) {
	if !c.framing {
		if c.onRecv != nil {
			c.onRecv(c, data)
		}
		return
	}

	// Fast path: exactly one complete framed message entirely inside data,
	// with no partial header/payload sink state carried over.
	if len(data) > serial.FrameHeaderSize && c.needHeader && sink.Used(&c.headerSink) == 0 {
		if n, ok := hex2int(string(data[:serial.FrameHeaderSize])); ok && n >= 0 && len(data) == n+serial.FrameHeaderSize {
			if c.onRecv != nil {
				c.onRecv(c, data[serial.FrameHeaderSize:])
			}
			return
		}
	}

	for len(data) > 0 {
		if c.needHeader {
			consumed, full := sink.Fill(&c.headerSink, data)
			data = data[consumed:]
			if !full {
				break
			}
			frameSize, ok := hex2int(string(c.headerBuf[:]))
			if !ok || frameSize <= 0 {
				// Malformed or empty sub-frame header: log-and-skip, stay
				// in header mode (the client is still considered framed).
				sink.Reset(&c.headerSink, c.headerBuf[:], serial.FrameHeaderSize)
				continue
			}
			// +1 for the terminating zero.
			c.payloadBuf = make([]byte, frameSize+1)
			sink.Reset(&c.payloadSink, c.payloadBuf, frameSize)
			c.needHeader = false
			sink.Reset(&c.headerSink, c.headerBuf[:], serial.FrameHeaderSize)
			continue
		}

		consumed, full := sink.Fill(&c.payloadSink, data)
		data = data[consumed:]
		if !full {
			break
		}
		size := sink.Used(&c.payloadSink)
		c.payloadBuf[size] = 0
		c.needHeader = true
		if c.onRecv != nil {
			c.onRecv(c, c.payloadBuf[:size])
		}
		// The recv callback may have disconnected (and thus freed) this
		// client; only reset the payload sink if it's still alive.
		if !c.closing {
			sink.Reset(&c.payloadSink, nil, 0)
		}
	}
}

// Disconnect tears the client down. guestClose indicates, for Pipe clients,
// that the guest already closed its end of the pipe; it is ignored for
// Serial clients. Idempotent via the closing latch.
func (c *Client) Disconnect(guestClose bool) {
	if c.closing {
		return
	}

	if c.transport == TransportPipe && !guestClose {
		if c.bridge != nil {
			c.bridge.RequestClose()
		}
		return
	}

	c.closing = true
	if c.list != nil {
		c.list.Remove(c)
	}

	if c.transport == TransportPipe {
		c.bridge = nil
	} else if c.channel > 0 {
		notice := control.EncodeDisconnect(c.channel)
		_ = c.serialCodec.Send(c.serialOut, 0, notice, false)
	}

	if c.onClose != nil {
		c.onClose(c)
		c.onClose = nil
	}
	c.onRecv = nil

	if c.removeFromService != nil {
		c.removeFromService(c)
		c.removeFromService = nil
	}

	c.releaseQueue()
}

// releaseQueue returns any still-queued pooled message buffers and empties
// the outbound queue.
func (c *Client) releaseQueue() {
	for m := c.msgHead; m != nil; m = m.next {
		if m.pooled {
			bufpool.Put(m.data)
		}
	}
	c.msgHead = nil
	c.lastMsg = nil
}

// SavePipeQueue serializes the outbound pipe-message queue as a sequence of
// (size, offset, bytes) records terminated by a zero-size sentinel. Only
// meaningful for Pipe clients; saved alongside the pipe they belong to
// rather than through the multiplexer's own serial-client save path.
func (c *Client) SavePipeQueue(w io.Writer) error {
	for m := c.msgHead; m != nil; m = m.next {
		if err := snapshot.PutU32(w, uint32(len(m.data))); err != nil {
			return err
		}
		if err := snapshot.PutU32(w, uint32(m.offset)); err != nil {
			return err
		}
		if err := snapshot.PutBytes(w, m.data); err != nil {
			return err
		}
	}
	return snapshot.PutU32(w, 0)
}

// LoadPipeQueue restores the outbound pipe-message queue written by
// SavePipeQueue.
func (c *Client) LoadPipeQueue(r io.Reader) error {
	for {
		size, err := snapshot.GetU32(r)
		if err != nil {
			return err
		}
		if size == 0 {
			return nil
		}
		offset, err := snapshot.GetU32(r)
		if err != nil {
			return err
		}
		data := make([]byte, size)
		if err := snapshot.GetBytes(r, data); err != nil {
			return err
		}
		msg := &pipeMessage{data: data, offset: int(offset)}
		if c.lastMsg != nil {
			c.lastMsg.next = msg
		} else {
			c.msgHead = msg
		}
		c.lastMsg = msg
	}
}

// SaveFraming writes this client's framing state: the framing flag and, if
// set, need_header, the 4-byte header scratch, and the payload sink plus its
// buffer. Mirrors the tail of the original per-client save routine.
func (c *Client) SaveFraming(w io.Writer) error {
	framing := uint32(0)
	if c.framing {
		framing = 1
	}
	if err := snapshot.PutU32(w, framing); err != nil {
		return err
	}
	if !c.framing {
		return nil
	}
	needHeader := uint32(0)
	if c.needHeader {
		needHeader = 1
	}
	if err := snapshot.PutU32(w, needHeader); err != nil {
		return err
	}
	if err := snapshot.PutU32(w, serial.FrameHeaderSize); err != nil {
		return err
	}
	if err := snapshot.PutBytes(w, c.headerBuf[:]); err != nil {
		return err
	}
	used := sink.Used(&c.payloadSink)
	size := sink.Size(&c.payloadSink)
	if err := snapshot.PutU32(w, uint32(used)); err != nil {
		return err
	}
	if err := snapshot.PutU32(w, uint32(size)); err != nil {
		return err
	}
	if size > 0 {
		if err := snapshot.PutBytes(w, c.payloadBuf[:size]); err != nil {
			return err
		}
	}
	return nil
}

// LoadFraming restores the framing state written by SaveFraming.
func (c *Client) LoadFraming(r io.Reader) error {
	framing, err := snapshot.GetU32(r)
	if err != nil {
		return err
	}
	c.framing = framing != 0
	if !c.framing {
		c.needHeader = true
		return nil
	}
	needHeader, err := snapshot.GetU32(r)
	if err != nil {
		return err
	}
	c.needHeader = needHeader != 0

	headerLen, err := snapshot.GetU32(r)
	if err != nil {
		return err
	}
	if int(headerLen) > serial.FrameHeaderSize {
		return qerrors.NewSnapshotError("client.load_framing", fmt.Errorf("header buffer requires %d bytes, %d available", headerLen, serial.FrameHeaderSize))
	}
	hdr := make([]byte, headerLen)
	if err := snapshot.GetBytes(r, hdr); err != nil {
		return err
	}
	copy(c.headerBuf[:], hdr)
	sink.Reset(&c.headerSink, c.headerBuf[:], serial.FrameHeaderSize)

	used, size, err := sink.Load(func() (uint32, error) { return snapshot.GetU32(r) })
	if err != nil {
		return err
	}
	// +1 for the terminating zero.
	c.payloadBuf = make([]byte, size+1)
	if err := snapshot.GetBytes(r, c.payloadBuf[:size]); err != nil {
		return err
	}
	sink.Reset(&c.payloadSink, c.payloadBuf, size)
	if used > 0 {
		sink.Fill(&c.payloadSink, c.payloadBuf[:used])
	}
	return nil
}

func hex2int(s string) (int, bool) {
	v := 0
	for _, r := range s {
		v <<= 4
		switch {
		case r >= '0' && r <= '9':
			v |= int(r - '0')
		case r >= 'a' && r <= 'f':
			v |= int(r-'a') + 10
		case r >= 'A' && r <= 'F':
			v |= int(r-'A') + 10
		default:
			return 0, false
		}
	}
	return v, true
}
