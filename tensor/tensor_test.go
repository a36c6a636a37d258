package tensor

import (
	"math"
	"testing"
)

func TestNewShape(t *testing.T) {
	t1 := New(2, 3)
	if len(t1.Data) != 6 {
		t.Fatalf("expected 6 elements, got %d", len(t1.Data))
	}
	if len(t1.Shape) != 2 || t1.Shape[0] != 2 || t1.Shape[1] != 3 {
		t.Fatalf("unexpected shape: %v", t1.Shape)
	}
}

func TestAdd(t *testing.T) {
	a := &Tensor{Data: []float64{1, 2, 3}, Shape: []int{3}}
	b := &Tensor{Data: []float64{4, 5, 6}, Shape: []int{3}}
	c, err := Add(a, b)
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{5, 7, 9}
	for i := range want {
		if c.Data[i] != want[i] {
			t.Errorf("at %d, got %f, want %f", i, c.Data[i], want[i])
		}
	}
	if _, err := Add(a, New(2, 2)); err == nil {
		t.Fatal("expected shape mismatch error")
	}
}

func TestMatMulVariants(t *testing.T) {
	a := &Tensor{Data: []float64{1, 2, 3, 4}, Shape: []int{2, 2}}
	b := &Tensor{Data: []float64{5, 6, 7, 8}, Shape: []int{2, 2}}

	cases := []struct {
		name string
		fn   func(a, b *Tensor) (*Tensor, error)
		want []float64
	}{
		{"ab", MatMul, []float64{19, 22, 43, 50}},
		{"abT", MatMulTransB, []float64{17, 23, 39, 53}},
		{"aTb", MatMulTransA, []float64{26, 30, 38, 44}},
	}
	for _, tc := range cases {
		c, err := tc.fn(a, b)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		for i := range tc.want {
			if c.Data[i] != tc.want[i] {
				t.Errorf("%s at %d, got %f, want %f", tc.name, i, c.Data[i], tc.want[i])
			}
		}
	}
	if _, err := MatMul(New(2, 3), New(2, 3)); err == nil {
		t.Fatal("expected inner-dimension error")
	}
}

func TestConcatAndSliceCols(t *testing.T) {
	a := &Tensor{Data: []float64{1, 2, 3, 4}, Shape: []int{2, 2}}
	b := &Tensor{Data: []float64{9, 8}, Shape: []int{2, 1}}
	c, err := ConcatCols(a, b)
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{1, 2, 9, 3, 4, 8}
	for i := range want {
		if c.Data[i] != want[i] {
			t.Errorf("at %d, got %f, want %f", i, c.Data[i], want[i])
		}
	}
	back := SliceCols(c, 2, 3)
	if back.At(0, 0) != 9 || back.At(1, 0) != 8 {
		t.Errorf("unexpected slice %v", back.Data)
	}
}

func TestIsFinite(t *testing.T) {
	a := NewWithData([]float64{1, 2})
	if !a.IsFinite() {
		t.Fatal("finite tensor reported non-finite")
	}
	a.Data[1] = math.NaN()
	if a.IsFinite() {
		t.Fatal("NaN not detected")
	}
}

func TestAtSet(t *testing.T) {
	x := New(2, 3, 4)
	x.Set(7, 1, 2, 3)
	if x.At(1, 2, 3) != 7 {
		t.Fatalf("At after Set = %f", x.At(1, 2, 3))
	}
	if x.Data[len(x.Data)-1] != 7 {
		t.Fatalf("unexpected offset")
	}
}
