package qerrors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestIsProtocolErrorClassification(t *testing.T) {
	root := stdErrors.New("root")
	wrapped := fmt.Errorf("adding context: %w", root)
	ne := NewNegotiationError("serial.probe", wrapped)
	if !IsProtocolError(ne) {
		t.Fatalf("expected IsProtocolError=true for negotiation error")
	}
	if !stdErrors.Is(ne, root) {
		t.Fatalf("expected errors.Is to find root cause")
	}
	var got *NegotiationError
	if !stdErrors.As(ne, &got) {
		t.Fatalf("expected errors.As to *NegotiationError")
	}
	if got.Op != "serial.probe" {
		t.Fatalf("unexpected op: %s", got.Op)
	}

	if !IsProtocolError(NewCodecError("serial.decode", nil)) {
		t.Fatalf("expected codec error classified as protocol")
	}
	if !IsProtocolError(NewControlError("control.parse", nil)) {
		t.Fatalf("expected control error classified as protocol")
	}
	if !IsProtocolError(NewServiceError("service.find", nil)) {
		t.Fatalf("expected service error classified as protocol")
	}
	if !IsProtocolError(NewSnapshotError("snapshot.save", nil)) {
		t.Fatalf("expected snapshot error classified as protocol")
	}
	if !IsProtocolError(NewConfigError("config.load", nil)) {
		t.Fatalf("expected config error classified as protocol")
	}
}

func TestUnwrapChains(t *testing.T) {
	base := stdErrors.New("short read")
	l1 := fmt.Errorf("read: %w", base)
	l2 := NewCodecError("serial.fill", l1)
	if !stdErrors.Is(l2, base) {
		t.Fatalf("errors.Is should reach base cause")
	}
	var pm protocolMarker
	if !stdErrors.As(l2, &pm) {
		t.Fatalf("expected to match protocolMarker via As")
	}
}

func TestNilSafety(t *testing.T) {
	if IsProtocolError(nil) {
		t.Fatalf("nil should not be protocol error")
	}
}

func TestConstructorWithoutCause(t *testing.T) {
	ce := NewCodecError("serial.decode", nil)
	if ce == nil {
		t.Fatalf("constructor returned nil")
	}
	if s := ce.Error(); s == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestNegativePredicates(t *testing.T) {
	if IsProtocolError(stdErrors.New("plain")) {
		t.Fatalf("plain error shouldn't be protocol")
	}
}
