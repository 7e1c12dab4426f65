package bootprops

import (
	"bytes"
	"strings"
	"testing"

	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qemud/client"
	"github.com/aosp-mirror/platform-external-qemu-sub026/internal/qemud/service"
)

func newTestFactory() client.Factory {
	var list client.List
	return func(channel int, param string, hasParam bool) (*client.Client, error) {
		return client.New(channel, param, hasParam, nil, nil, &list), nil
	}
}

func TestAddRejectsOversizedKey(t *testing.T) {
	var s State
	if err := s.Add(strings.Repeat("a", 33), "v"); err == nil {
		t.Fatalf("expected an error for a 33-byte key")
	}
}

func TestAddRejectsOversizedValue(t *testing.T) {
	var s State
	if err := s.Add("k", strings.Repeat("v", 93)); err == nil {
		t.Fatalf("expected an error for a 93-byte value")
	}
}

func TestAddRejectsReservedChars(t *testing.T) {
	var s State
	for _, bad := range []string{"a b", "a=b", "a$b", "a*b", "a?b", "a'b", "a\"b"} {
		if err := s.Add(bad, "v"); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestListSendsPropertiesThenTerminator(t *testing.T) {
	var r service.Registry
	state := Register(&r, newTestFactory())
	_ = state.Add("ro.a", "1")
	_ = state.Add("ro.b", "two")

	c, err := r.Find("boot-properties").ConnectClient(-1, "", false)
	if err != nil {
		t.Fatalf("ConnectClient: %v", err)
	}

	// Framing is enabled for this client, so an inbound command is itself a
	// sub-framed message: a 4-hex-digit length header then the payload.
	c.Recv([]byte("0004list"))

	out := make([]byte, 256)
	n := c.DrainInto(out)
	got := out[:n]

	// Framing is enabled for this service, so each Send call is preceded by
	// its own 4-hex-digit length header.
	want := "0006ro.a=10008ro.b=two0001\x00"
	if string(got) != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if state.BootCompleted || state.DataPartitionMounted {
		t.Fatalf("expected both boot-progress flags cleared after list")
	}
}

func TestUnknownCommandIsIgnored(t *testing.T) {
	var r service.Registry
	state := Register(&r, newTestFactory())
	c, _ := r.Find("boot-properties").ConnectClient(-1, "", false)

	c.Recv([]byte("0004nope"))
	if c.PendingBytes() {
		t.Fatalf("expected no reply queued for an unrecognized command")
	}
	if !state.BootCompleted {
		t.Fatalf("expected boot-progress flags untouched by an unrecognized command")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	var r service.Registry
	state := Register(&r, newTestFactory())
	_ = state.Add("ro.a", "1")
	_ = state.Add("ro.b", "two")

	var buf bytes.Buffer
	if err := state.save(&buf); err != nil {
		t.Fatalf("save: %v", err)
	}

	state.clearAll()
	if err := state.load(&buf); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(state.properties) != 2 {
		t.Fatalf("expected 2 properties restored, got %d", len(state.properties))
	}
	if state.properties[0] != (Property{Key: "ro.a", Value: "1"}) {
		t.Fatalf("unexpected first property: %+v", state.properties[0])
	}
	if state.properties[1] != (Property{Key: "ro.b", Value: "two"}) {
		t.Fatalf("unexpected second property: %+v", state.properties[1])
	}
}
