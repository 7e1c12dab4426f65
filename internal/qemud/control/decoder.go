// Package control implements channel-0 protocol: the ASCII connect:/
// disconnect: handshake every client goes through before it can exchange
// service-specific frames, plus the legacy daemon's unsolicited
// ok:connect:<service>:<hh> acknowledgement.
package control

import (
	"errors"
	"strings"

	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qerrors"
)

// ErrUnknownCommand is returned by Decode when the payload matches none of
// the recognized channel-0 verbs.
var ErrUnknownCommand = errors.New("unknown command")

// Connect represents a `connect:<service>:<hh>` request.
type Connect struct {
	Service string
	Channel int
}

// Disconnect represents a `disconnect:<hh>` request.
type Disconnect struct {
	Channel int
}

// LegacyConnectAck represents an unsolicited `ok:connect:<service>:<hh>`
// message, only meaningful when legacy-daemon support is enabled.
type LegacyConnectAck struct {
	Service string
	Channel int
}

// Decode parses a channel-0 control payload into one of *Connect,
// *Disconnect, or *LegacyConnectAck. It returns ErrUnknownCommand itself
// for anything else, and a *qerrors.ControlError for a recognized verb with
// malformed arguments.
func Decode(payload []byte) (any, error) {
	s := string(payload)

	switch {
	case strings.HasPrefix(s, "connect:") && len(s) > len("connect:"):
		service, channel, err := parseServiceChannel(s[len("connect:"):])
		if err != nil {
			return nil, qerrors.NewControlError("control.decode.connect", err)
		}
		return &Connect{Service: service, Channel: channel}, nil

	case strings.HasPrefix(s, "ok:connect:") && len(s) > len("ok:connect:"):
		service, channel, err := parseServiceChannel(s[len("ok:connect:"):])
		if err != nil {
			return nil, qerrors.NewControlError("control.decode.legacy_ack", err)
		}
		return &LegacyConnectAck{Service: service, Channel: channel}, nil

	case len(s) == 13 && strings.HasPrefix(s, "disconnect:"):
		channel, ok := hex2int(s[11:13])
		if !ok || channel <= 0 {
			return nil, qerrors.NewControlError("control.decode.disconnect", errors.New("invalid channel"))
		}
		return &Disconnect{Channel: channel}, nil

	default:
		return nil, ErrUnknownCommand
	}
}

// parseServiceChannel splits "<service>:<hh>" (exactly two trailing hex
// digits after the final colon) into its parts.
func parseServiceChannel(rest string) (service string, channel int, err error) {
	idx := strings.LastIndexByte(rest, ':')
	if idx < 0 || idx != len(rest)-3 {
		return "", 0, errors.New("malformed service:channel suffix")
	}
	ch, ok := hex2int(rest[idx+1:])
	if !ok || ch <= 0 {
		return "", 0, errors.New("invalid channel")
	}
	return rest[:idx], ch, nil
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
