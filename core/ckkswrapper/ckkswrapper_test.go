package ckkswrapper

import (
	"math"
	"testing"
)

func TestHeContextRoundTrip(t *testing.T) {
	h, err := NewHeContextWithLogN(12)
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	vals := []float64{3.1415926535, -0.5, 0, 42}
	ct, err := h.EncryptVector(vals)
	if err != nil {
		t.Fatalf("encrypt error: %v", err)
	}
	got, err := h.DecryptVector(ct, len(vals))
	if err != nil {
		t.Fatalf("decrypt error: %v", err)
	}
	for i := range vals {
		if diff := math.Abs(got[i] - vals[i]); diff > 1e-6 {
			t.Fatalf("slot %d: got %f, want %f", i, got[i], vals[i])
		}
	}

	if _, err := h.EncryptVector(make([]float64, h.Params.MaxSlots()+1)); err == nil {
		t.Fatal("expected slot overflow error")
	}
}

func TestServerKitMulPlainOverTheWire(t *testing.T) {
	h, err := NewHeContextWithLogN(12)
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	kit := h.GenServerKit()

	x := []float64{0.25, -1, 0.5, 2}
	w := []float64{0.1, 0.2, -0.3, 0.02}
	ct, err := h.EncryptVector(x)
	if err != nil {
		t.Fatal(err)
	}
	data, err := ct.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	received, err := UnmarshalCiphertext(kit.Params, ct.Level(), data)
	if err != nil {
		t.Fatal(err)
	}

	prod, err := kit.MulPlain(received, w)
	if err != nil {
		t.Fatalf("MulPlain: %v", err)
	}
	if prod.Level() != ct.Level()-1 {
		t.Errorf("level = %d, want %d", prod.Level(), ct.Level()-1)
	}
	got, err := h.DecryptVector(prod, len(x))
	if err != nil {
		t.Fatal(err)
	}
	for i := range x {
		if diff := math.Abs(got[i] - x[i]*w[i]); diff > 1e-5 {
			t.Errorf("slot %d: got %f, want %f", i, got[i], x[i]*w[i])
		}
	}

	if _, err := kit.MulPlain(prod, w); err == nil {
		t.Error("expected rescale error at level 0")
	}
}
