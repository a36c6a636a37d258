package layers

import (
	"testing"

	"arae/nn"
	"arae/tensor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
)

const gradTol = 1e-6

func randTensor(src rand.Source, shape ...int) *tensor.Tensor {
	r := rand.New(src)
	t := tensor.New(shape...)
	for i := range t.Data {
		t.Data[i] = r.Float64()*2 - 1
	}
	return t
}

// numGrad returns the central-difference gradient of f with respect to the
// values of x, restoring x afterwards.
func numGrad(x *tensor.Tensor, f func() float64) []float64 {
	orig := append([]float64(nil), x.Data...)
	g := fd.Gradient(nil, func(v []float64) float64 {
		copy(x.Data, v)
		return f()
	}, orig, &fd.Settings{Formula: fd.Central})
	copy(x.Data, orig)
	return g
}

func TestLinearForward(t *testing.T) {
	l := NewLinear(2, 3, rand.NewSource(1))
	copy(l.W.W.Data, []float64{1, 0, 0, 1, 1, 1})
	copy(l.B.W.Data, []float64{0.5, -0.5, 0})
	x := &tensor.Tensor{Data: []float64{2, 3, -1, 4}, Shape: []int{2, 2}}
	y, err := l.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []float64{2.5, 2.5, 5, -0.5, 3.5, 3}, y.Data)

	_, err = l.Forward(tensor.New(2, 5))
	assert.Error(t, err)
}

func TestLinearGradients(t *testing.T) {
	src := rand.NewSource(7)
	l := NewLinear(4, 3, src)
	x := randTensor(src, 5, 4)
	proj := randTensor(src, 5, 3)

	loss := func() float64 {
		y, err := l.Forward(x)
		if err != nil {
			t.Fatal(err)
		}
		return floats.Dot(y.Data, proj.Data)
	}

	nn.ZeroGrad(l.Params())
	loss()
	dx, err := l.Backward(proj)
	require.NoError(t, err)

	assert.InDeltaSlice(t, numGrad(x, loss), dx.Data, gradTol)
	assert.InDeltaSlice(t, numGrad(l.W.W, loss), l.W.G.Data, gradTol)
	assert.InDeltaSlice(t, numGrad(l.B.W, loss), l.B.G.Data, gradTol)
}

func TestActivationGradients(t *testing.T) {
	src := rand.NewSource(3)
	for _, kind := range []Kind{ReLU, LeakyReLU, Tanh, Sigmoid} {
		a, err := NewActivation(kind, 0.2)
		require.NoError(t, err)
		x := randTensor(src, 3, 4)
		proj := randTensor(src, 3, 4)
		loss := func() float64 {
			y, _ := a.Forward(x)
			return floats.Dot(y.Data, proj.Data)
		}
		loss()
		dx, err := a.Backward(proj)
		require.NoError(t, err)
		assert.InDeltaSlice(t, numGrad(x, loss), dx.Data, 1e-5, "kind %s", kind)
	}
	_, err := NewActivation("Swish", 0)
	assert.Error(t, err)
}

func TestEmbeddingBackwardAccumulatesRepeatedIDs(t *testing.T) {
	e := NewEmbedding(5, 2, 0.1, rand.NewSource(1))
	out, err := e.Lookup([]int{3, 1, 3})
	require.NoError(t, err)
	assert.Equal(t, e.Weight.W.Row(3), out.Row(0))

	g := &tensor.Tensor{Data: []float64{1, 2, 10, 20, 100, 200}, Shape: []int{3, 2}}
	require.NoError(t, e.Backward(g))
	assert.Equal(t, []float64{101, 202}, e.Weight.G.Row(3))
	assert.Equal(t, []float64{10, 20}, e.Weight.G.Row(1))
	assert.Equal(t, []float64{0, 0}, e.Weight.G.Row(0))

	_, err = e.Lookup([]int{5})
	assert.Error(t, err)
}

func TestLSTMGradients(t *testing.T) {
	src := rand.NewSource(11)
	const batch, in, hidden, steps = 2, 3, 2, 4
	l := NewLSTM(in, hidden, 0.5, src)
	xs := make([]*tensor.Tensor, steps)
	projs := make([]*tensor.Tensor, steps)
	for i := range xs {
		xs[i] = randTensor(src, batch, in)
		projs[i] = randTensor(src, batch, hidden)
	}
	// step 1 contributes no loss; Backward must accept a nil entry there
	projs[1] = nil
	init := State{H: randTensor(src, batch, hidden), C: randTensor(src, batch, hidden)}

	loss := func() float64 {
		hs, _, err := l.Forward(xs, init)
		if err != nil {
			t.Fatal(err)
		}
		total := 0.0
		for i, h := range hs {
			if projs[i] != nil {
				total += floats.Dot(h.Data, projs[i].Data)
			}
		}
		return total
	}

	nn.ZeroGrad(l.Params())
	loss()
	dxs, dInit, err := l.Backward(projs)
	require.NoError(t, err)

	for i, x := range xs {
		assert.InDeltaSlice(t, numGrad(x, loss), dxs[i].Data, gradTol, "dx[%d]", i)
	}
	assert.InDeltaSlice(t, numGrad(init.H, loss), dInit.H.Data, gradTol)
	assert.InDeltaSlice(t, numGrad(init.C, loss), dInit.C.Data, gradTol)
	for _, p := range l.Params() {
		assert.InDeltaSlice(t, numGrad(p.W, loss), p.G.Data, gradTol, p.Name)
	}
}

func TestLSTMStepMatchesForward(t *testing.T) {
	src := rand.NewSource(5)
	l := NewLSTM(3, 4, 0.3, src)
	xs := []*tensor.Tensor{randTensor(src, 2, 3), randTensor(src, 2, 3)}
	hs, final, err := l.Forward(xs, ZeroState(2, 4))
	require.NoError(t, err)

	s := ZeroState(2, 4)
	for i, x := range xs {
		s, err = l.Step(x, s)
		require.NoError(t, err)
		assert.InDeltaSlice(t, hs[i].Data, s.H.Data, 1e-12)
	}
	assert.InDeltaSlice(t, final.C.Data, s.C.Data, 1e-12)
}
