// Package bootprops implements the boot-properties reference service: a
// host-side list of key=value pairs the guest's qemu-props utility fetches
// once at boot over a single framed connection.
package bootprops

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/logger"
	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qemud/client"
	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qemud/service"
	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qemud/snapshot"
	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qerrors"
)

const (
	maxKeyLen   = 32
	maxValueLen = 92

	rejectedKeyChars = " =$*?'\""

	serviceName = "boot-properties"
)

// Property is a single key=value boot property.
type Property struct {
	Key   string
	Value string
}

// State holds the ordered list of boot properties and the two host flags
// qemu-props's "list" command resets once it has fetched them.
type State struct {
	mu         sync.Mutex
	properties []Property

	BootCompleted        bool
	DataPartitionMounted bool
}

// Add appends name=value to the property list, rejecting names or values
// that are too long or contain a reserved character. It mirrors
// boot_property_add2's three distinct failure reasons so callers can log a
// matching warning.
func (s *State) Add(name, value string) error {
	if len(name) > maxKeyLen {
		return qerrors.NewServiceError("bootprops.add", fmt.Errorf("boot property name too long: %q", name))
	}
	if len(value) > maxValueLen {
		return qerrors.NewServiceError("bootprops.add", fmt.Errorf("boot property value too long: %q", value))
	}
	if strings.ContainsAny(name, rejectedKeyChars) {
		return qerrors.NewServiceError("bootprops.add", fmt.Errorf("boot property name contains invalid chars: %q", name))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.properties = append(s.properties, Property{Key: name, Value: value})
	return nil
}

// clearAll empties the property list, used before a snapshot load replaces
// it wholesale.
func (s *State) clearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.properties = nil
}

// Register installs the boot-properties service (single client) against
// registry, using newClient to construct the connecting client, and returns
// the shared property state so callers can populate it (boot_property_add
// equivalents run before the guest ever connects).
func Register(registry *service.Registry, newClient client.Factory) *State {
	state := &State{BootCompleted: true, DataPartitionMounted: true}
	registry.Register(serviceName, 1, func(channel int, param string, hasParam bool) (*client.Client, error) {
		c, err := newClient(channel, param, hasParam)
		if err != nil {
			return nil, err
		}
		c.SetFraming(true)
		c.SetCallbacks(func(cl *client.Client, payload []byte) {
			state.onRecv(cl, payload)
		}, nil)
		return c, nil
	}, state.save, state.load)
	return state
}

// onRecv implements the single recognized command: an exact 4-byte "list"
// sends every property, then a terminating empty message, then resets the
// two boot-progress flags qemu-props reads as it starts.
func (s *State) onRecv(cl *client.Client, payload []byte) {
	if string(payload) != "list" {
		logger.Debug("boot-properties: ignoring unknown command", "payload", string(payload))
		return
	}

	s.mu.Lock()
	props := append([]Property(nil), s.properties...)
	s.mu.Unlock()

	for _, p := range props {
		_ = cl.Send([]byte(p.Key + "=" + p.Value))
	}
	// A single NUL byte signals the end of the list.
	_ = cl.Send([]byte{0})

	s.mu.Lock()
	s.BootCompleted = false
	s.DataPartitionMounted = false
	s.mu.Unlock()
}

// save writes the property count followed by each property's key and
// value, matching boot_property_save_property's split key\0value\0 layout.
func (s *State) save(w io.Writer) error {
	s.mu.Lock()
	props := append([]Property(nil), s.properties...)
	s.mu.Unlock()

	if err := snapshot.PutU32(w, uint32(len(props))); err != nil {
		return err
	}
	for _, p := range props {
		if err := snapshot.PutString(w, p.Key); err != nil {
			return err
		}
		if err := snapshot.PutString(w, p.Value); err != nil {
			return err
		}
	}
	return nil
}

// load replaces the property list wholesale with what was written by save.
// Any short read while loading a key or value is treated as a load failure,
// per the "any short read is an error" reading of the original's loader.
func (s *State) load(r io.Reader) error {
	s.clearAll()

	count, err := snapshot.GetU32(r)
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		key, err := snapshot.GetString(r)
		if err != nil {
			return err
		}
		value, err := snapshot.GetString(r)
		if err != nil {
			return err
		}
		if err := s.Add(key, value); err != nil {
			return qerrors.NewSnapshotError("bootprops.load", err)
		}
	}
	return nil
}
