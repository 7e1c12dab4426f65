// Package serial implements the wire codec for the multiplexer's single
// shared serial transport: a 6-byte ASCII-hex header (channel + length, in
// one of two field orders) in front of every framed payload, plus the
// legacy-daemon probe/detect negotiation and oversize-payload draining.
package serial

import (
	"fmt"
	"io"

	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qemud/sink"
	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qemud/snapshot"
	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qerrors"
)

const (
	// FrameHeaderSize is the size, in bytes, of the optional per-client
	// sub-framing header a client can opt into (see client.SetFraming).
	FrameHeaderSize = 4

	// MaxSerialPayload bounds how large a single framed payload may be.
	// Anything larger is not a protocol violation; it is drained and
	// dropped (see Codec.overflow).
	MaxSerialPayload = 4000

	headerSize = 6
)

// Recv is invoked once per fully-decoded frame with the destination channel
// and the frame's payload. The payload slice is only valid for the duration
// of the call.
type Recv func(channel int, payload []byte)

// Codec decodes the shared serial stream into (channel, payload) frames and
// encodes outbound frames back onto it. A single Codec owns the stream; it
// is not safe for concurrent use, matching the multiplexer's single-owner
// threading model.
type Codec struct {
	version        Version
	legacy         bool // whether legacy-daemon support is compiled in
	overflow       int  // bytes of an oversize frame still to be drained
	headerSink     sink.Sink
	headerBuf      [headerSize]byte
	payloadSink    sink.Sink
	data0          [MaxSerialPayload + 1]byte // payload scratch buffer; the payload sink fills into it, never grows past it (headers go to headerBuf)
	needHeader     bool
	firstHeader    bool
	pendingChannel int
	recv           Recv
}

// New creates a Codec. legacySupport mirrors the original SUPPORT_LEGACY_QEMUD
// compile-time switch: a build-time/construction-time decision, not a
// runtime toggle.
func New(legacySupport bool, recv Recv) *Codec {
	c := &Codec{
		legacy:      legacySupport,
		needHeader:  true,
		firstHeader: true,
		recv:        recv,
	}
	sink.Reset(&c.headerSink, c.headerBuf[:], headerSize)
	return c
}

// Probe writes the legacy-daemon probe sequence to w if legacy support is
// enabled; a no-op otherwise.
func (c *Codec) Probe(w io.Writer) error {
	if !c.legacy {
		return nil
	}
	if _, err := w.Write(LegacyProbe()); err != nil {
		return qerrors.NewNegotiationError("serial.probe", err)
	}
	return nil
}

// Version reports the negotiated header field order, or VersionUnknown if no
// header has been decoded yet.
func (c *Codec) Version() Version { return c.version }

// LatchLegacyControl records that an unsolicited legacy "ok:connect:" control
// message was observed on channel 0. This is a second, independent path to
// the same version latch the codec's own first-header detection uses (see
// detectVersion): a legacy daemon that was never sent the probe still
// announces itself this way. Returns false if the codec had already
// confirmed normal ordering, in which case the message is unexpected and
// should be ignored rather than latched.
func (c *Codec) LatchLegacyControl() bool {
	switch c.version {
	case VersionUnknown:
		c.version = VersionLegacy
		return true
	case VersionLegacy:
		return true
	default:
		return false
	}
}

// Run reads frames from r until it returns an error (including io.EOF),
// invoking the Codec's Recv callback for each one. It blocks, matching the
// single-owner read loop idiom the rest of the package follows.
func (c *Codec) Run(r io.Reader) error {
	for {
		if err := c.step(r); err != nil {
			return err
		}
	}
}

// step decodes exactly one frame (or drains one round of overflow) from r.
func (c *Codec) step(r io.Reader) error {
	if c.overflow > 0 {
		n := c.overflow
		if _, err := io.CopyN(io.Discard, r, int64(n)); err != nil {
			return qerrors.NewCodecError("serial.overflow_drain", err)
		}
		c.overflow = 0
		return nil
	}

	if c.needHeader {
		if _, err := io.ReadFull(r, c.headerBuf[:]); err != nil {
			return qerrors.NewCodecError("serial.read_header", err)
		}
		if c.firstHeader {
			c.version = detectVersion(c.headerBuf)
			c.firstHeader = false
		}
		channel, length, ok := decodeHeader(c.version, c.headerBuf)
		if !ok || length <= 0 {
			// Malformed or zero-length header: silently resynchronize on
			// the next 6 bytes, matching the original's "continue" on
			// in_size<=0 || in_channel<0.
			return nil
		}
		if length > MaxSerialPayload {
			c.overflow = length
			return nil
		}
		sink.Reset(&c.payloadSink, c.data0[:], length)
		c.needHeader = false
		c.pendingChannel = channel
		return nil
	}

	size := sink.Size(&c.payloadSink)
	if _, err := io.ReadFull(r, c.data0[:size]); err != nil {
		return qerrors.NewCodecError("serial.read_payload", err)
	}
	sink.Fill(&c.payloadSink, c.data0[:size])
	c.data0[size] = 0 // NUL-terminate, matching original payload buffers
	c.recv(c.pendingChannel, c.data0[:size])
	c.needHeader = true
	return nil
}

// Send writes payload to w on channel, packetizing it into MaxSerialPayload
// chunks and prefixing each with a 6-byte header in the codec's negotiated
// field order. When framed is true, a FrameHeaderSize ASCII-hex length
// prefix is inserted ahead of the payload in the very first packet only.
func (c *Codec) Send(w io.Writer, channel int, payload []byte, framed bool) error {
	version := c.version
	if version == VersionUnknown {
		version = VersionNormal
	}

	first := true
	for len(payload) > 0 || first {
		chunk := payload
		extra := 0
		if framed && first {
			extra = FrameHeaderSize
		}
		maxChunk := MaxSerialPayload - extra
		if len(chunk) > maxChunk {
			chunk = chunk[:maxChunk]
		}

		frameLen := len(chunk) + extra
		hdr := encodeHeader(version, channel, frameLen)
		if _, err := w.Write(hdr[:]); err != nil {
			return qerrors.NewCodecError("serial.write_header", err)
		}
		if extra > 0 {
			fh := []byte(fmt.Sprintf("%04x", len(payload)))
			if _, err := w.Write(fh); err != nil {
				return qerrors.NewCodecError("serial.write_frame_header", err)
			}
		}
		if len(chunk) > 0 {
			if _, err := w.Write(chunk); err != nil {
				return qerrors.NewCodecError("serial.write_payload", err)
			}
		}

		payload = payload[len(chunk):]
		first = false
		framed = false // only the first packet carries the frame header
	}
	return nil
}

// Save persists the codec's decode-side state: need_header, the pending
// overflow count, the in-progress frame's size/channel (when mid-payload),
// the negotiated version, both sinks' bookkeeping, and the full data0
// scratch buffer.
func (c *Codec) Save(w io.Writer) error {
	needHeader := uint32(0)
	if c.needHeader {
		needHeader = 1
	}
	if err := snapshot.PutU32(w, needHeader); err != nil {
		return err
	}
	if err := snapshot.PutU32(w, uint32(c.overflow)); err != nil {
		return err
	}
	inSize, inChannel := 0, 0
	if !c.needHeader {
		inSize = sink.Size(&c.payloadSink)
		inChannel = c.pendingChannel
	}
	if err := snapshot.PutU32(w, uint32(inSize)); err != nil {
		return err
	}
	if err := snapshot.PutU32(w, uint32(inChannel)); err != nil {
		return err
	}
	if err := snapshot.PutU32(w, uint32(c.version)); err != nil {
		return err
	}
	if err := saveSink(w, &c.headerSink); err != nil {
		return err
	}
	if err := saveSink(w, &c.payloadSink); err != nil {
		return err
	}
	if err := snapshot.PutU32(w, uint32(len(c.data0))); err != nil {
		return err
	}
	return snapshot.PutBytes(w, c.data0[:])
}

// Load restores state written by Save. The header sink is reattached to
// headerBuf and the payload sink to data0; a data0 length mismatch against
// the current build's MaxSerialPayload is treated as an unrecoverable
// snapshot error rather than silently truncated or padded.
func (c *Codec) Load(r io.Reader) error {
	needHeader, err := snapshot.GetU32(r)
	if err != nil {
		return err
	}
	c.needHeader = needHeader != 0

	overflow, err := snapshot.GetU32(r)
	if err != nil {
		return err
	}
	c.overflow = int(overflow)

	if _, err := snapshot.GetU32(r); err != nil { // in_size: redundant with the payload sink's own size, discarded
		return err
	}
	inChannel, err := snapshot.GetU32(r)
	if err != nil {
		return err
	}
	c.pendingChannel = int(inChannel)

	version, err := snapshot.GetU32(r)
	if err != nil {
		return err
	}
	c.version = Version(version)

	headerUsed, headerSize, err := loadSink(r)
	if err != nil {
		return err
	}
	sink.Reset(&c.headerSink, c.headerBuf[:], headerSize)
	if headerUsed > 0 {
		sink.Fill(&c.headerSink, c.headerBuf[:headerUsed])
	}

	payloadUsed, payloadSize, err := loadSink(r)
	if err != nil {
		return err
	}

	dataLen, err := snapshot.GetU32(r)
	if err != nil {
		return err
	}
	if int(dataLen) != len(c.data0) {
		return qerrors.NewSnapshotError("serial.load", fmt.Errorf("data0 length %d does not match %d", dataLen, len(c.data0)))
	}
	if err := snapshot.GetBytes(r, c.data0[:]); err != nil {
		return err
	}

	if !c.needHeader {
		sink.Reset(&c.payloadSink, c.data0[:], payloadSize)
		if payloadUsed > 0 {
			sink.Fill(&c.payloadSink, c.data0[:payloadUsed])
		}
	} else {
		sink.Reset(&c.payloadSink, c.data0[:], 0)
	}
	c.firstHeader = false
	return nil
}

func saveSink(w io.Writer, s *sink.Sink) error {
	var outerErr error
	sink.Save(s, func(v uint32) {
		if outerErr == nil {
			outerErr = snapshot.PutU32(w, v)
		}
	})
	return outerErr
}

func loadSink(r io.Reader) (used, size int, err error) {
	return sink.Load(func() (uint32, error) { return snapshot.GetU32(r) })
}

// encodeHeader renders a 6-byte ASCII-hex header in the given field order.
func encodeHeader(v Version, channel, length int) [headerSize]byte {
	var out [headerSize]byte
	ch := fmt.Sprintf("%02x", channel&0xff)
	ln := fmt.Sprintf("%04x", length&0xffff)
	if v == VersionLegacy {
		copy(out[0:4], ln)
		copy(out[4:6], ch)
	} else {
		copy(out[0:2], ch)
		copy(out[2:6], ln)
	}
	return out
}

// decodeHeader parses a 6-byte ASCII-hex header in the given field order.
// ok is false if either field contains a non-hex character.
func decodeHeader(v Version, header [6]byte) (channel, length int, ok bool) {
	var chStr, lnStr string
	if v == VersionLegacy {
		lnStr = string(header[0:4])
		chStr = string(header[4:6])
	} else {
		chStr = string(header[0:2])
		lnStr = string(header[2:6])
	}
	ch, ok1 := hex2int(chStr)
	ln, ok2 := hex2int(lnStr)
	if !ok1 || !ok2 {
		return 0, 0, false
	}
	return ch, ln, true
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
