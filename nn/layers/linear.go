package layers

import (
	"fmt"
	"math"

	"arae/nn"
	"arae/tensor"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Linear is a fully connected layer y = x·Wᵀ + B over a batch of rows.
type Linear struct {
	W *nn.Param // (outDim, inDim)
	B *nn.Param // (outDim)

	// cached for backward
	lastInput *tensor.Tensor
}

// NewLinear creates a layer with weights drawn from U(-1/√in, 1/√in) and zero bias.
func NewLinear(inDim, outDim int, src rand.Source) *Linear {
	l := &Linear{
		W: nn.NewParam("weight", outDim, inDim),
		B: nn.NewParam("bias", outDim),
	}
	bound := 1 / math.Sqrt(float64(inDim))
	l.InitUniform(bound, src)
	return l
}

// InitUniform redraws W from U(-r, r) and clears B.
func (l *Linear) InitUniform(r float64, src rand.Source) {
	fill(l.W.W.Data, distuv.Uniform{Min: -r, Max: r, Src: src})
	l.B.W.Zero()
}

// InitNormal redraws W from N(0, std) and clears B.
func (l *Linear) InitNormal(std float64, src rand.Source) {
	fill(l.W.W.Data, distuv.Normal{Mu: 0, Sigma: std, Src: src})
	l.B.W.Zero()
}

func fill(dst []float64, d interface{ Rand() float64 }) {
	for i := range dst {
		dst[i] = d.Rand()
	}
}

func (l *Linear) InDim() int  { return l.W.W.Shape[1] }
func (l *Linear) OutDim() int { return l.W.W.Shape[0] }

// Forward computes x·Wᵀ + B for x of shape (batch, inDim).
func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 2 || x.Shape[1] != l.InDim() {
		return nil, fmt.Errorf("Linear: expected input (batch, %d), got %v", l.InDim(), x.Shape)
	}
	l.lastInput = x
	out, err := tensor.MatMulTransB(x, l.W.W)
	if err != nil {
		return nil, err
	}
	for i := 0; i < out.Rows(); i++ {
		row := out.Row(i)
		for j, b := range l.B.W.Data {
			row[j] += b
		}
	}
	return out, nil
}

// Backward accumulates dW += gradᵀ·x and dB += Σ grad, and returns grad·W.
func (l *Linear) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if l.lastInput == nil {
		return nil, fmt.Errorf("Linear: Backward called before Forward")
	}
	if len(grad.Shape) != 2 || grad.Shape[0] != l.lastInput.Rows() || grad.Shape[1] != l.OutDim() {
		return nil, fmt.Errorf("Linear: expected gradient (%d, %d), got %v", l.lastInput.Rows(), l.OutDim(), grad.Shape)
	}
	var dW mat.Dense
	dW.Mul(grad.Dense().T(), l.lastInput.Dense())
	gw := l.W.G.Dense()
	gw.Add(gw, &dW)
	for i := 0; i < grad.Rows(); i++ {
		for j, g := range grad.Row(i) {
			l.B.G.Data[j] += g
		}
	}
	return tensor.MatMul(grad, l.W.W)
}

func (l *Linear) Params() []*nn.Param { return []*nn.Param{l.W, l.B} }

func (l *Linear) Tag() string {
	return fmt.Sprintf("Linear_%d_%d", l.InDim(), l.OutDim())
}
