package control

import (
	"errors"
	"testing"
)

func TestDecodeConnect(t *testing.T) {
	v, err := Decode([]byte("connect:boot-properties:05"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	c, ok := v.(*Connect)
	if !ok {
		t.Fatalf("expected *Connect, got %T", v)
	}
	if c.Service != "boot-properties" || c.Channel != 5 {
		t.Fatalf("unexpected parse: %+v", c)
	}
}

func TestDecodeConnectMalformedSuffix(t *testing.T) {
	if _, err := Decode([]byte("connect:boot-properties:5")); err == nil {
		t.Fatalf("expected error for single-digit channel suffix")
	}
	if _, err := Decode([]byte("connect:boot-properties:zz")); err == nil {
		t.Fatalf("expected error for non-hex channel suffix")
	}
}

func TestDecodeDisconnect(t *testing.T) {
	v, err := Decode([]byte("disconnect:05"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	d, ok := v.(*Disconnect)
	if !ok {
		t.Fatalf("expected *Disconnect, got %T", v)
	}
	if d.Channel != 5 {
		t.Fatalf("unexpected channel: %d", d.Channel)
	}
}

func TestDecodeDisconnectWrongLength(t *testing.T) {
	if _, err := Decode([]byte("disconnect:5")); err == nil {
		t.Fatalf("expected error for short disconnect message")
	}
}

func TestDecodeLegacyConnectAck(t *testing.T) {
	v, err := Decode([]byte("ok:connect:control:03"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	ack, ok := v.(*LegacyConnectAck)
	if !ok {
		t.Fatalf("expected *LegacyConnectAck, got %T", v)
	}
	if ack.Service != "control" || ack.Channel != 3 {
		t.Fatalf("unexpected parse: %+v", ack)
	}
}

func TestDecodeUnknownCommand(t *testing.T) {
	_, err := Decode([]byte("frobnicate"))
	if !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
}

func TestEncodeReplies(t *testing.T) {
	if got := string(EncodeOK(5)); got != "ok:connect:05" {
		t.Fatalf("unexpected OK reply: %q", got)
	}
	if got := string(EncodeUnknownService(5)); got != "ko:connect:05:unknown service" {
		t.Fatalf("unexpected unknown-service reply: %q", got)
	}
	if got := string(EncodeBusy(5)); got != "ko:connect:05:service busy" {
		t.Fatalf("unexpected busy reply: %q", got)
	}
	if got := string(EncodeUnknownCommand()); got != "ko:unknown command" {
		t.Fatalf("unexpected unknown-command reply: %q", got)
	}
	if got := string(EncodeDisconnect(5)); got != "disconnect:05" {
		t.Fatalf("unexpected disconnect notice: %q", got)
	}
}
