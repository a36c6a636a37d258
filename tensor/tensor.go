package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Tensor is a simple n-D array backed by a flat []float64.
// Two-dimensional tensors are row-major, rows are examples.
type Tensor struct {
	Data  []float64
	Shape []int
}

// New allocates a Tensor of given shape (product of dims = len(Data)).
func New(shape ...int) *Tensor {
	total := 1
	for _, d := range shape {
		total *= d
	}
	return &Tensor{
		Data:  make([]float64, total),
		Shape: append([]int(nil), shape...),
	}
}

// NewWithData creates a 1-D tensor from existing data slice.
func NewWithData(data []float64) *Tensor {
	return &Tensor{
		Data:  append([]float64(nil), data...),
		Shape: []int{len(data)},
	}
}

// FromRows builds a 2-D tensor from equally sized rows.
func FromRows(rows [][]float64) (*Tensor, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("FromRows: no rows")
	}
	c := len(rows[0])
	out := New(len(rows), c)
	for i, r := range rows {
		if len(r) != c {
			return nil, fmt.Errorf("FromRows: row %d has %d columns, want %d", i, len(r), c)
		}
		copy(out.Data[i*c:(i+1)*c], r)
	}
	return out, nil
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Data:  append([]float64(nil), t.Data...),
		Shape: append([]int(nil), t.Shape...),
	}
}

// Rows returns the leading dimension of a 2-D tensor.
func (t *Tensor) Rows() int { return t.Shape[0] }

// Cols returns the trailing dimension of a 2-D tensor.
func (t *Tensor) Cols() int { return t.Shape[len(t.Shape)-1] }

// Row returns a view of row i of a 2-D tensor.
func (t *Tensor) Row(i int) []float64 {
	c := t.Cols()
	return t.Data[i*c : (i+1)*c]
}

// Dense wraps a 2-D tensor as a gonum matrix sharing the same backing slice.
func (t *Tensor) Dense() *mat.Dense {
	return mat.NewDense(t.Shape[0], t.Shape[1], t.Data)
}

// FromDense copies a gonum matrix into a new tensor.
func FromDense(m mat.Matrix) *Tensor {
	r, c := m.Dims()
	out := New(r, c)
	mat.NewDense(r, c, out.Data).Copy(m)
	return out
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b *Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

// Add returns a+b (same shape), or error if shapes differ.
func Add(a, b *Tensor) (*Tensor, error) {
	if !SameShape(a, b) {
		return nil, fmt.Errorf("shape mismatch: %v vs %v", a.Shape, b.Shape)
	}
	out := New(a.Shape...)
	for i := range a.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return out, nil
}

// AddInPlace accumulates b into a.
func AddInPlace(a, b *Tensor) error {
	if len(a.Data) != len(b.Data) {
		return fmt.Errorf("shape mismatch: %v vs %v", a.Shape, b.Shape)
	}
	for i, v := range b.Data {
		a.Data[i] += v
	}
	return nil
}

// Scale multiplies every element by s in place.
func (t *Tensor) Scale(s float64) {
	for i := range t.Data {
		t.Data[i] *= s
	}
}

// Zero sets every element to 0.
func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

// IsFinite reports whether no element is NaN or ±Inf.
func (t *Tensor) IsFinite() bool {
	for _, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// MatMul returns a×b (2-D only), or error if dims mismatch.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, fmt.Errorf("MatMul requires 2-D tensors, got %v and %v", a.Shape, b.Shape)
	}
	if a.Shape[1] != b.Shape[0] {
		return nil, fmt.Errorf("inner dimensions must match: %d vs %d", a.Shape[1], b.Shape[0])
	}
	out := New(a.Shape[0], b.Shape[1])
	out.Dense().Mul(a.Dense(), b.Dense())
	return out, nil
}

// MatMulTransB returns a×bᵀ.
func MatMulTransB(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, fmt.Errorf("MatMulTransB requires 2-D tensors, got %v and %v", a.Shape, b.Shape)
	}
	if a.Shape[1] != b.Shape[1] {
		return nil, fmt.Errorf("inner dimensions must match: %d vs %d", a.Shape[1], b.Shape[1])
	}
	out := New(a.Shape[0], b.Shape[0])
	out.Dense().Mul(a.Dense(), b.Dense().T())
	return out, nil
}

// MatMulTransA returns aᵀ×b.
func MatMulTransA(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, fmt.Errorf("MatMulTransA requires 2-D tensors, got %v and %v", a.Shape, b.Shape)
	}
	if a.Shape[0] != b.Shape[0] {
		return nil, fmt.Errorf("inner dimensions must match: %d vs %d", a.Shape[0], b.Shape[0])
	}
	out := New(a.Shape[1], b.Shape[1])
	out.Dense().Mul(a.Dense().T(), b.Dense())
	return out, nil
}

// ConcatCols joins 2-D tensors with equal row counts side by side.
func ConcatCols(parts ...*Tensor) (*Tensor, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("ConcatCols: no inputs")
	}
	rows := parts[0].Rows()
	cols := 0
	for _, p := range parts {
		if p.Rows() != rows {
			return nil, fmt.Errorf("ConcatCols: row mismatch %d vs %d", p.Rows(), rows)
		}
		cols += p.Cols()
	}
	out := New(rows, cols)
	for i := 0; i < rows; i++ {
		off := 0
		dst := out.Row(i)
		for _, p := range parts {
			off += copy(dst[off:], p.Row(i))
		}
	}
	return out, nil
}

// SliceCols copies columns [from, to) of a 2-D tensor.
func SliceCols(t *Tensor, from, to int) *Tensor {
	rows := t.Rows()
	out := New(rows, to-from)
	for i := 0; i < rows; i++ {
		copy(out.Row(i), t.Row(i)[from:to])
	}
	return out
}

// At returns the element at the given indices.
// For a 4D tensor [a, b, c, d], At(i, j, k, l) returns the element at position [i][j][k][l].
func (t *Tensor) At(indices ...int) float64 {
	return t.Data[t.offset("At", indices)]
}

// Set sets the element at the given indices to the given value.
func (t *Tensor) Set(value float64, indices ...int) {
	t.Data[t.offset("Set", indices)] = value
}

func (t *Tensor) offset(op string, indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("%s: expected %d indices, got %d", op, len(t.Shape), len(indices)))
	}
	idx := 0
	stride := 1
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.Shape[i] {
			panic(fmt.Sprintf("%s: index %d out of bounds for dimension %d (shape: %v)", op, indices[i], i, t.Shape))
		}
		idx += indices[i] * stride
		stride *= t.Shape[i]
	}
	return idx
}
