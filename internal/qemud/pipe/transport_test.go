package pipe

import (
	"bytes"
	"errors"
	"testing"

	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qemud/client"
	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qemud/service"
)

type fakeBridge struct {
	wakes  []WakeFlags
	closed []any
}

func (f *fakeBridge) SignalWake(hwpipe any, flags WakeFlags) { f.wakes = append(f.wakes, flags) }
func (f *fakeBridge) Close(hwpipe any)                       { f.closed = append(f.closed, hwpipe) }

func newRegistryWithEchoService() *service.Registry {
	var r service.Registry
	r.Register("echo", 0, func(ch int, param string, hasParam bool) (*client.Client, error) {
		var list client.List
		c := client.New(ch, param, hasParam, nil, nil, &list)
		c.SetCallbacks(func(cl *client.Client, payload []byte) {
			_ = cl.Send(payload)
		}, nil)
		return c, nil
	}, nil, nil)
	return &r
}

func TestInitConnectsNamedService(t *testing.T) {
	registry := newRegistryWithEchoService()
	tr := New(&fakeBridge{}, registry)

	h, err := tr.Init("hwpipe-1", "echo:myparam")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if (h == Handle{}) {
		t.Fatalf("expected non-zero handle")
	}
}

func TestInitUnknownServiceFails(t *testing.T) {
	registry := newRegistryWithEchoService()
	tr := New(&fakeBridge{}, registry)

	if _, err := tr.Init("hwpipe-1", "nonexistent:x"); err == nil {
		t.Fatalf("expected error for unknown service")
	}
}

func TestSendThenRecvBuffersRoundTrip(t *testing.T) {
	registry := newRegistryWithEchoService()
	bridge := &fakeBridge{}
	tr := New(bridge, registry)

	h, err := tr.Init("hwpipe-1", "echo")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	n, err := tr.SendBuffers(h, [][]byte{[]byte("hel"), []byte("lo")})
	if err != nil || n != 5 {
		t.Fatalf("SendBuffers: n=%d err=%v", n, err)
	}

	out := make([]byte, 16)
	delivered, err := tr.RecvBuffers(h, [][]byte{out})
	if err != nil {
		t.Fatalf("RecvBuffers: %v", err)
	}
	if string(out[:delivered]) != "hello" {
		t.Fatalf("expected echoed %q, got %q", "hello", out[:delivered])
	}
}

func TestRecvBuffersWouldBlockWhenEmpty(t *testing.T) {
	registry := newRegistryWithEchoService()
	tr := New(&fakeBridge{}, registry)
	h, _ := tr.Init("hwpipe-1", "echo")

	_, err := tr.RecvBuffers(h, [][]byte{make([]byte, 4)})
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("expected ErrWouldBlock, got %v", err)
	}
}

func TestPollReflectsQueueState(t *testing.T) {
	registry := newRegistryWithEchoService()
	tr := New(&fakeBridge{}, registry)
	h, _ := tr.Init("hwpipe-1", "echo")

	if readable, writable := tr.Poll(h); readable || !writable {
		t.Fatalf("expected empty queue: readable=%v writable=%v", readable, writable)
	}

	tr.SendBuffers(h, [][]byte{[]byte("x")})
	if readable, _ := tr.Poll(h); !readable {
		t.Fatalf("expected readable once queue non-empty")
	}
}

func TestCloseFromGuestForgetsHandle(t *testing.T) {
	registry := newRegistryWithEchoService()
	tr := New(&fakeBridge{}, registry)
	h, _ := tr.Init("hwpipe-1", "echo")

	tr.CloseFromGuest(h)

	n, err := tr.SendBuffers(h, [][]byte{[]byte("x")})
	if err != nil || n != -1 {
		t.Fatalf("expected (-1, nil) for a forgotten handle, got n=%d err=%v", n, err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	registry := newRegistryWithEchoService()
	bridge := &fakeBridge{}
	tr := New(bridge, registry)
	h, _ := tr.Init("hwpipe-1", "echo:withparam")
	tr.SendBuffers(h, [][]byte{[]byte("queued")})

	var buf bytes.Buffer
	if err := tr.Save(h, &buf); err != nil {
		t.Fatalf("Save: %v", err)
	}

	h2, err := tr.Load("hwpipe-2", &buf)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	out := make([]byte, 16)
	n, err := tr.RecvBuffers(h2, [][]byte{out})
	if err != nil {
		t.Fatalf("RecvBuffers after load: %v", err)
	}
	if string(out[:n]) != "queued" {
		t.Fatalf("expected restored queue contents %q, got %q", "queued", out[:n])
	}
}
