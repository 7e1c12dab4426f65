// Package mux implements the Multiplexer: the process-singleton that owns
// the shared serial codec, the global client list, the service registry,
// and the channel-0 control protocol that binds them together.
package mux

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/logger"
	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qemud/client"
	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qemud/control"
	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qemud/diag"
	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qemud/serial"
	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qemud/service"
	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qemud/snapshot"
	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qerrors"
)

// controlChannel is the reserved channel the multiplexer's own client
// listens on; it is never delivered to a service, never disconnectable by
// the guest, and never saved as an ordinary serial client.
const controlChannel = 0

// ErrUnknownService is returned by Connect when no service is registered
// under the requested name.
var ErrUnknownService = errors.New("mux: unknown service")

// ErrServiceBusy is returned by Connect when the target service is already
// at its MaxClients cap.
var ErrServiceBusy = errors.New("mux: service busy")

// Multiplexer owns the shared serial transport, the global client list, and
// the service registry. Frame routing (serialRecv) takes no lock; only
// control-channel handling and snapshot save/load do, per the single
// event-loop concurrency model this component follows.
type Multiplexer struct {
	mu sync.Mutex

	codec     *serial.Codec
	serialOut io.Writer
	clients   client.List
	services  service.Registry
	control   *client.Client
	diag      *diag.Manager

	legacySupport bool
}

// New constructs a Multiplexer writing outbound serial traffic to out.
// legacySupport mirrors the original SUPPORT_LEGACY_QEMUD build switch.
func New(out io.Writer, legacySupport bool) *Multiplexer {
	m := &Multiplexer{serialOut: out, legacySupport: legacySupport}
	m.codec = serial.New(legacySupport, m.serialRecv)
	m.control = client.New(controlChannel, "", false, m.codec, m.serialOut, &m.clients)
	m.control.SetCallbacks(func(_ *client.Client, payload []byte) {
		m.controlRecv(payload)
	}, nil)
	return m
}

// Services exposes the registry so callers can register services before
// traffic starts flowing.
func (m *Multiplexer) Services() *service.Registry { return &m.services }

// SetDiag installs the lifecycle event manager notified of connects,
// disconnects, legacy negotiation, and snapshot save/load. A nil manager
// (the default) disables event dispatch entirely.
func (m *Multiplexer) SetDiag(d *diag.Manager) { m.diag = d }

// NewClient is a client.Factory bound to this multiplexer's serial codec,
// output, and global client list. Reference services use it as their
// service.Connect callback so they never need to hold a codec reference of
// their own.
func (m *Multiplexer) NewClient(channel int, param string, hasParam bool) (*client.Client, error) {
	return client.New(channel, param, hasParam, m.codec, m.serialOut, &m.clients), nil
}

// Probe sends the legacy-daemon negotiation probe, a no-op unless
// legacySupport was enabled at construction.
func (m *Multiplexer) Probe() error {
	err := m.codec.Probe(m.serialOut)
	if err == nil && m.legacySupport {
		m.diag.TriggerEvent(context.Background(), *diag.NewEvent(diag.EventProbeSent))
	}
	return err
}

// Run blocks decoding frames from r until it returns an error (including
// io.EOF), dispatching each to serialRecv.
func (m *Multiplexer) Run(r io.Reader) error { return m.codec.Run(r) }

// serialRecv routes one decoded frame to the serial client bound to its
// channel. Unknown channels are logged and dropped; this never happens for
// channel 0, since the control client is installed for the multiplexer's
// entire lifetime.
func (m *Multiplexer) serialRecv(channel int, payload []byte) {
	for c := m.clients.Head(); c != nil; c = c.Next() {
		if c.Transport() == client.TransportSerial && c.Channel() == channel {
			c.Recv(payload)
			return
		}
	}
	logger.Warn("serial frame for unknown channel, dropping", "channel", channel, "len", len(payload))
}

// Connect looks up name, enforces its MaxClients cap, and asks it to
// produce a client bound to channel. Locks for the duration, matching the
// original's "connect/disconnect/snapshot share a lock, frame routing
// doesn't" rule.
func (m *Multiplexer) Connect(name string, channel int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectLocked(name, channel)
}

func (m *Multiplexer) connectLocked(name string, channel int) error {
	sv := m.services.Find(name)
	if sv == nil {
		return ErrUnknownService
	}
	if sv.MaxClients > 0 && sv.NumClients() >= sv.MaxClients {
		return ErrServiceBusy
	}
	if _, err := sv.ConnectClient(channel, "", false); err != nil {
		return ErrUnknownService
	}
	return nil
}

// Disconnect tears down the serial client bound to channel, if any,
// suppressing the outbound disconnect: notice (the caller is the one who
// asked for the teardown, so the guest already knows).
func (m *Multiplexer) Disconnect(channel int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for c := m.clients.Head(); c != nil; c = c.Next() {
		if c.Transport() == client.TransportSerial && c.Channel() == channel {
			c.SuppressDisconnectNotice()
			c.Disconnect(false)
			m.diag.TriggerEvent(context.Background(), *diag.NewEvent(diag.EventDisconnect).WithChannel(channel))
			return
		}
	}
}

// disconnectNonControl tears down every serial client except the control
// client itself, used before reconnecting clients during snapshot load. The
// next pointer is captured before each Disconnect call since Disconnect
// unlinks c from the list it's walking.
func (m *Multiplexer) disconnectNonControl() {
	next := m.clients.Head()
	for next != nil {
		c := next
		next = c.Next()
		if c.Transport() == client.TransportSerial && c.Channel() > controlChannel {
			c.SuppressDisconnectNotice()
			c.Disconnect(false)
		}
	}
}

// controlRecv handles one payload delivered on channel 0: the connect:/
// disconnect: handshake, and (when legacy support is enabled) the
// unsolicited ok:connect: acknowledgement a legacy daemon sends instead.
func (m *Multiplexer) controlRecv(payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, err := control.Decode(payload)
	if err != nil {
		if errors.Is(err, control.ErrUnknownCommand) {
			if m.codec.Version() == serial.VersionLegacy {
				return // stay silent once legacy ordering is latched
			}
			m.sendControlLocked(control.EncodeUnknownCommand())
			m.diag.TriggerEvent(context.Background(), *diag.NewEvent(diag.EventUnknownCommand))
			return
		}
		// A recognized verb with malformed arguments: log and drop without
		// replying, matching the original's handling of a short connect:/
		// disconnect: payload (it never reaches the point where a reply is
		// sent).
		logger.Warn("malformed control message, dropping", "error", err)
		return
	}

	switch v := msg.(type) {
	case *control.Connect:
		m.handleConnectLocked(v.Service, v.Channel)
	case *control.Disconnect:
		for c := m.clients.Head(); c != nil; c = c.Next() {
			if c.Transport() == client.TransportSerial && c.Channel() == v.Channel {
				c.SuppressDisconnectNotice()
				c.Disconnect(false)
				m.diag.TriggerEvent(context.Background(), *diag.NewEvent(diag.EventDisconnect).WithChannel(v.Channel))
				return
			}
		}
	case *control.LegacyConnectAck:
		m.handleLegacyAckLocked(v.Service, v.Channel)
	}
}

func (m *Multiplexer) handleConnectLocked(serviceName string, channel int) {
	switch err := m.connectLocked(serviceName, channel); {
	case err == nil:
		m.sendControlLocked(control.EncodeOK(channel))
		m.diag.TriggerEvent(context.Background(), *diag.NewEvent(diag.EventConnect).WithService(serviceName).WithChannel(channel))
	case errors.Is(err, ErrServiceBusy):
		m.sendControlLocked(control.EncodeBusy(channel))
		m.diag.TriggerEvent(context.Background(), *diag.NewEvent(diag.EventConnectRefused).WithService(serviceName).WithChannel(channel).WithData("reason", "busy"))
	default:
		m.sendControlLocked(control.EncodeUnknownService(channel))
		m.diag.TriggerEvent(context.Background(), *diag.NewEvent(diag.EventConnectRefused).WithService(serviceName).WithChannel(channel).WithData("reason", "unknown_service"))
	}
}

// handleLegacyAckLocked processes an unsolicited ok:connect: message. A
// legacy daemon announces "control" for the channel normal builds call
// "hw-control"; the rewrite keeps the service registry name-agnostic to
// which protocol generation is talking to it. The daemon never expects a
// reply to this message, success or failure.
func (m *Multiplexer) handleLegacyAckLocked(serviceName string, channel int) {
	if !m.legacySupport {
		return
	}
	if !m.codec.LatchLegacyControl() {
		return // already confirmed normal ordering; an ok:connect: now is unexpected, ignore it
	}
	m.diag.TriggerEvent(context.Background(), *diag.NewEvent(diag.EventLegacyLatched).WithChannel(channel))
	if serviceName == "control" {
		serviceName = "hw-control"
	}
	_ = m.connectLocked(serviceName, channel)
}

func (m *Multiplexer) sendControlLocked(payload []byte) {
	if err := m.codec.Send(m.serialOut, controlChannel, payload, false); err != nil {
		logger.Error("failed to write control reply", "error", err)
	}
}

// Save persists enough multiplexer state to resume every conversation that
// survives the round trip: serial codec state, then every registered
// service, then every non-control serial client (pipe clients are saved
// alongside the pipe they belong to, not here).
func (m *Multiplexer) Save(w io.Writer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.codec.Save(w); err != nil {
		return err
	}

	count := uint32(m.services.Count())
	if err := snapshot.PutU32(w, count); err != nil {
		return err
	}
	var saveErr error
	m.services.Each(func(sv *service.Service) {
		if saveErr == nil {
			saveErr = sv.Save(w)
		}
	})
	if saveErr != nil {
		return saveErr
	}

	var serialClients []*client.Client
	for c := m.clients.Head(); c != nil; c = c.Next() {
		if c.Transport() == client.TransportSerial && c.Channel() > controlChannel {
			serialClients = append(serialClients, c)
		}
	}
	if err := snapshot.PutU32(w, uint32(len(serialClients))); err != nil {
		return err
	}
	for _, c := range serialClients {
		if err := m.saveSerialClient(w, c); err != nil {
			return err
		}
	}
	m.diag.TriggerEvent(context.Background(), *diag.NewEvent(diag.EventSnapshotSave).WithData("clients", len(serialClients)))
	return nil
}

func (m *Multiplexer) saveSerialClient(w io.Writer, c *client.Client) error {
	sv := m.services.Owning(c)
	name := ""
	if sv != nil {
		name = sv.Name
	}
	if err := snapshot.PutString(w, name); err != nil {
		return err
	}
	param, _ := c.Param()
	if err := snapshot.PutString(w, param); err != nil {
		return err
	}
	if err := snapshot.PutU32(w, uint32(c.Channel())); err != nil {
		return err
	}
	if err := c.SaveCustom(w); err != nil {
		return err
	}
	return c.SaveFraming(w)
}

// Load restores state written by Save. Non-control serial clients are
// disconnected silently first (no disconnect: notice, since the old client
// identities are being replaced, not torn down at the guest's request), then
// every saved client reconnects via its service's connect callback and has
// its state restored into the fresh instance. Emitting disconnect: for the
// old clients would corrupt the guest's view of which channels are live.
func (m *Multiplexer) Load(r io.Reader) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.codec.Load(r); err != nil {
		return err
	}

	serviceCount, err := snapshot.GetU32(r)
	if err != nil {
		return err
	}
	for i := uint32(0); i < serviceCount; i++ {
		if err := m.services.LoadInto(r); err != nil {
			return err
		}
	}

	m.disconnectNonControl()

	clientCount, err := snapshot.GetU32(r)
	if err != nil {
		return err
	}
	for i := uint32(0); i < clientCount; i++ {
		if err := m.loadSerialClient(r); err != nil {
			return err
		}
	}
	m.diag.TriggerEvent(context.Background(), *diag.NewEvent(diag.EventSnapshotLoad).WithData("clients", clientCount))
	return nil
}

func (m *Multiplexer) loadSerialClient(r io.Reader) error {
	name, err := snapshot.GetString(r)
	if err != nil {
		return err
	}
	param, err := snapshot.GetString(r)
	if err != nil {
		return err
	}
	channel, err := snapshot.GetU32(r)
	if err != nil {
		return err
	}

	sv := m.services.Find(name)
	if sv == nil {
		return qerrors.NewSnapshotError("mux.load", errors.New("service not registered: "+name))
	}
	c, err := sv.ConnectClient(int(channel), param, param != "")
	if err != nil {
		return err
	}
	if err := c.LoadCustom(r); err != nil {
		return err
	}
	return c.LoadFraming(r)
}
