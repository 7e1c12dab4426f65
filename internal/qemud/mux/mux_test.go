package mux

import (
	"bytes"
	"strings"
	"testing"

	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qemud/client"
	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qemud/serial"
)

// newEchoMux builds a Multiplexer with an "echo" service registered: every
// connected client resends whatever it receives.
func newEchoMux(maxClients int, legacySupport bool) (*Multiplexer, *bytes.Buffer) {
	var out bytes.Buffer
	m := New(&out, legacySupport)
	m.Services().Register("echo", maxClients, func(ch int, param string, hasParam bool) (*client.Client, error) {
		c := client.New(ch, param, hasParam, m.codec, m.serialOut, &m.clients)
		c.SetCallbacks(func(cl *client.Client, payload []byte) {
			_ = cl.Send(payload)
		}, nil)
		return c, nil
	}, nil, nil)
	return m, &out
}

func newHwControlMux(legacySupport bool) (*Multiplexer, *bytes.Buffer) {
	var out bytes.Buffer
	m := New(&out, legacySupport)
	m.Services().Register("hw-control", 0, func(ch int, param string, hasParam bool) (*client.Client, error) {
		c := client.New(ch, param, hasParam, m.codec, m.serialOut, &m.clients)
		c.SetCallbacks(func(*client.Client, []byte) {}, nil)
		return c, nil
	}, nil, nil)
	return m, &out
}

func TestControlConnectRepliesOK(t *testing.T) {
	m, out := newEchoMux(0, false)
	m.serialRecv(controlChannel, []byte("connect:echo:05"))

	if !strings.Contains(out.String(), "ok:connect:05") {
		t.Fatalf("expected ok:connect:05 in reply, got %q", out.String())
	}
}

func TestControlConnectUnknownServiceRepliesKo(t *testing.T) {
	m, out := newEchoMux(0, false)
	m.serialRecv(controlChannel, []byte("connect:nope:05"))

	if !strings.Contains(out.String(), "ko:connect:05:unknown service") {
		t.Fatalf("expected unknown-service ko reply, got %q", out.String())
	}
}

func TestControlConnectBusyRepliesKo(t *testing.T) {
	m, out := newEchoMux(1, false)
	m.serialRecv(controlChannel, []byte("connect:echo:05"))
	out.Reset()

	m.serialRecv(controlChannel, []byte("connect:echo:06"))
	if !strings.Contains(out.String(), "ko:connect:06:service busy") {
		t.Fatalf("expected busy ko reply, got %q", out.String())
	}
}

func TestControlDisconnectRemovesClient(t *testing.T) {
	m, out := newEchoMux(0, false)
	m.serialRecv(controlChannel, []byte("connect:echo:05"))
	out.Reset()

	m.serialRecv(controlChannel, []byte("disconnect:05"))

	for c := m.clients.Head(); c != nil; c = c.Next() {
		if c.Transport() == client.TransportSerial && c.Channel() == 5 {
			t.Fatalf("expected channel 5 client to be gone after disconnect")
		}
	}
	// Disconnecting on request of the control peer itself never re-emits a
	// disconnect: notice for the channel it just asked to close.
	if strings.Contains(out.String(), "disconnect:05") {
		t.Fatalf("did not expect a disconnect notice echoed back, got %q", out.String())
	}
}

func TestUnknownControlCommandRepliesKo(t *testing.T) {
	m, out := newEchoMux(0, false)
	m.serialRecv(controlChannel, []byte("garbage"))

	if !strings.Contains(out.String(), "ko:unknown command") {
		t.Fatalf("expected unknown-command ko reply, got %q", out.String())
	}
}

func TestLegacyAckLatchesVersionAndRewritesControlName(t *testing.T) {
	m, out := newHwControlMux(true)

	m.serialRecv(controlChannel, []byte("ok:connect:control:05"))

	if m.codec.Version() != serial.VersionLegacy {
		t.Fatalf("expected codec version latched to Legacy")
	}
	if out.Len() != 0 {
		t.Fatalf("expected no reply to an unsolicited legacy ack, got %q", out.String())
	}

	found := false
	for c := m.clients.Head(); c != nil; c = c.Next() {
		if c.Transport() == client.TransportSerial && c.Channel() == 5 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a client connected to hw-control on channel 5")
	}
}

func TestUnknownCommandSilentOnceLegacyLatched(t *testing.T) {
	m, out := newHwControlMux(true)
	m.serialRecv(controlChannel, []byte("ok:connect:control:05"))
	out.Reset()

	m.serialRecv(controlChannel, []byte("garbage"))
	if out.Len() != 0 {
		t.Fatalf("expected silence on unknown command once legacy is latched, got %q", out.String())
	}
}

func TestSerialRecvDropsUnknownChannel(t *testing.T) {
	m, out := newEchoMux(0, false)
	m.serialRecv(7, []byte("hello"))
	if out.Len() != 0 {
		t.Fatalf("expected no reply for an unrouted frame")
	}
}

func TestSaveLoadReconnectsSerialClient(t *testing.T) {
	m1, _ := newEchoMux(0, false)
	m1.serialRecv(controlChannel, []byte("connect:echo:05"))

	var snap bytes.Buffer
	if err := m1.Save(&snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	m2, out2 := newEchoMux(0, false)
	if err := m2.Load(&snap); err != nil {
		t.Fatalf("Load: %v", err)
	}

	m2.serialRecv(5, []byte("ping"))
	if !strings.Contains(out2.String(), "ping") {
		t.Fatalf("expected reconnected channel 5 client to echo, got %q", out2.String())
	}
}
