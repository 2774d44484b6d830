package wire

import (
	"bytes"
	"testing"

	"github.com/certen/cfd-daemon/internal/cfd"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	r := NewReader(&buf)

	id := cfd.NewOrderID()
	env, err := NewEnvelope(id, KindTakeOrder, TakeOrder{OrderID: id, Quantity: 1.5})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if err := w.WriteMessage(env); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	var got Envelope
	if err := r.ReadMessage(&got); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got.Kind != KindTakeOrder {
		t.Errorf("Kind = %v, want %v", got.Kind, KindTakeOrder)
	}

	var body TakeOrder
	if err := DecodeBody(got, KindTakeOrder, &body); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if body.Quantity != 1.5 {
		t.Errorf("Quantity = %v, want 1.5", body.Quantity)
	}
}

func TestMultipleFramesSequential(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	r := NewReader(&buf)

	id := cfd.NewOrderID()
	for i := 0; i < 3; i++ {
		env, err := NewEnvelope(id, KindSetupDecision, SetupDecision{Accept: i%2 == 0})
		if err != nil {
			t.Fatalf("NewEnvelope %d: %v", i, err)
		}
		if err := w.WriteMessage(env); err != nil {
			t.Fatalf("WriteMessage %d: %v", i, err)
		}
	}

	for i := 0; i < 3; i++ {
		var got Envelope
		if err := r.ReadMessage(&got); err != nil {
			t.Fatalf("ReadMessage %d: %v", i, err)
		}
		var decision SetupDecision
		if err := DecodeBody(got, KindSetupDecision, &decision); err != nil {
			t.Fatalf("DecodeBody %d: %v", i, err)
		}
		if decision.Accept != (i%2 == 0) {
			t.Errorf("frame %d Accept = %v", i, decision.Accept)
		}
	}
}

func TestDecodeBodyWrongKind(t *testing.T) {
	env, err := NewEnvelope(cfd.NewOrderID(), KindTakeOrder, TakeOrder{})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	var decision SetupDecision
	if err := DecodeBody(env, KindSetupDecision, &decision); err == nil {
		t.Error("expected error decoding mismatched kind")
	}
}

func TestOversizeFrameRejected(t *testing.T) {
	var buf bytes.Buffer
	r := NewReader(&buf)
	var header [4]byte
	header[0] = 0xFF // huge length prefix
	buf.Write(header[:])
	var v any
	if err := r.ReadMessage(&v); err == nil {
		t.Error("expected error for oversize frame")
	}
}
