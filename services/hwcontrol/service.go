// Package hwcontrol implements the hw-control reference service: two
// prefix-matched queries over a single unlimited-capacity channel that let
// the guest read and write simulated LED brightness levels.
package hwcontrol

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/logger"
	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qemud/client"
	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qemud/service"
	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qemud/snapshot"
)

const (
	setBrightnessPrefix = "power:light:brightness:"
	getBrightnessPrefix = "power:light:get-brightness:"

	serviceName = "hw-control"
)

// State holds the simulated brightness levels, shared by every client
// connected to the service (the hardware it models has no concept of
// per-connection state).
type State struct {
	mu                                    sync.Mutex
	lcdBrightness, kbdBrightness, btnBrightness uint8
}

// lightByName resolves one of the three named lights to its backing field.
func (s *State) lightByName(name string) *uint8 {
	switch name {
	case "lcd_backlight":
		return &s.lcdBrightness
	case "keyboard_backlight":
		return &s.kbdBrightness
	case "button_backlight":
		return &s.btnBrightness
	default:
		return nil
	}
}

func (s *State) setBrightness(name string, value uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.lightByName(name); p != nil {
		*p = value
	} else {
		logger.Warn("hw-control: invalid brightness light name", "name", name)
	}
}

func (s *State) getBrightness(name string) uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.lightByName(name); p != nil {
		return *p
	}
	logger.Warn("hw-control: invalid get-brightness light name", "name", name)
	return 0
}

// Register installs the hw-control service (unlimited clients) against
// registry, using newClient to construct each connecting client, and
// returns the shared brightness state.
func Register(registry *service.Registry, newClient client.Factory) *State {
	state := &State{}
	registry.Register(serviceName, 0, func(channel int, param string, hasParam bool) (*client.Client, error) {
		c, err := newClient(channel, param, hasParam)
		if err != nil {
			return nil, err
		}
		c.SetFraming(true)
		c.SetCallbacks(func(cl *client.Client, payload []byte) {
			state.onQuery(cl, string(payload))
		}, nil)
		c.SetSaveLoad(state.save, state.load)
		return c, nil
	}, nil, nil)
	return state
}

func (s *State) onQuery(cl *client.Client, msg string) {
	switch {
	case strings.HasPrefix(msg, setBrightnessPrefix):
		s.handleSet(msg[len(setBrightnessPrefix):])
	case strings.HasPrefix(msg, getBrightnessPrefix):
		s.handleGet(cl, msg[len(getBrightnessPrefix):])
	default:
		logger.Debug("hw-control: query not matched", "query", msg)
	}
}

func (s *State) handleSet(args string) {
	idx := strings.IndexByte(args, ':')
	if idx < 0 {
		logger.Warn("hw-control: invalid power:light:brightness command", "args", args)
		return
	}
	name := args[:idx]
	value, err := strconv.ParseUint(args[idx+1:], 10, 64)
	if err != nil {
		logger.Warn("hw-control: invalid power:light:brightness value", "value", args[idx+1:], "error", err)
		return
	}
	if value > 255 {
		logger.Warn("hw-control: brightness value out of range", "value", value)
		return
	}
	s.setBrightness(name, uint8(value))
}

func (s *State) handleGet(cl *client.Client, name string) {
	brightness := s.getBrightness(name)
	out := []byte(fmt.Sprintf("%03d", brightness))
	out = append(out, 0)
	_ = cl.Send(out)
}

// save persists the three brightness levels, matching the original
// implementation's three stream_put_be32 calls.
func (s *State) save(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range []uint8{s.lcdBrightness, s.kbdBrightness, s.btnBrightness} {
		if err := snapshot.PutU32(w, uint32(v)); err != nil {
			return err
		}
	}
	return nil
}

// load restores the three brightness levels written by save.
func (s *State) load(r io.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range []*uint8{&s.lcdBrightness, &s.kbdBrightness, &s.btnBrightness} {
		v, err := snapshot.GetU32(r)
		if err != nil {
			return err
		}
		*p = uint8(v)
	}
	return nil
}
