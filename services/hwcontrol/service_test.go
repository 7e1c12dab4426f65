package hwcontrol

import (
	"bytes"
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

func TestSetThenGetBrightnessRoundTrips(t *testing.T) {
	var r service.Registry
	Register(&r, newTestFactory())

	c, err := r.Find("hw-control").ConnectClient(-1, "", false)
	if err != nil {
		t.Fatalf("ConnectClient: %v", err)
	}

	c.Recv([]byte("0028power:light:brightness:lcd_backlight:128"))

	c.Recv([]byte("0028power:light:get-brightness:lcd_backlight"))
	if !c.PendingBytes() {
		t.Fatalf("expected a reply queued after get-brightness")
	}
	out := make([]byte, 16)
	n := c.DrainInto(out)
	if string(out[:n]) != "0004128\x00" {
		t.Fatalf("expected %q, got %q", "0004128\x00", out[:n])
	}
}

func TestUnknownLightNameIsIgnored(t *testing.T) {
	var r service.Registry
	Register(&r, newTestFactory())
	c, _ := r.Find("hw-control").ConnectClient(-1, "", false)

	c.Recv([]byte("001dpower:light:brightness:nope:9"))
	c.Recv([]byte("001fpower:light:get-brightness:nope"))

	out := make([]byte, 16)
	n := c.DrainInto(out)
	if string(out[:n]) != "0004000\x00" {
		t.Fatalf("expected zero brightness for unknown light, got %q", out[:n])
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	var r service.Registry
	state := Register(&r, newTestFactory())
	c, _ := r.Find("hw-control").ConnectClient(-1, "", false)

	c.Recv([]byte("002cpower:light:brightness:keyboard_backlight:42"))

	var buf bytes.Buffer
	if err := c.SaveCustom(&buf); err != nil {
		t.Fatalf("SaveCustom: %v", err)
	}

	state.kbdBrightness = 0
	if err := c.LoadCustom(&buf); err != nil {
		t.Fatalf("LoadCustom: %v", err)
	}
	if state.kbdBrightness != 42 {
		t.Fatalf("expected restored brightness 42, got %d", state.kbdBrightness)
	}
}
