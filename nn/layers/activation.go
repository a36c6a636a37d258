package layers

import (
	"fmt"
	"math"

	"arae/nn"
	"arae/tensor"
)

// Kind names an elementwise nonlinearity.
type Kind string

const (
	ReLU      Kind = "ReLU"
	LeakyReLU Kind = "LeakyReLU"
	Tanh      Kind = "Tanh"
	Sigmoid   Kind = "Sigmoid"
)

// Activation is a parameter-free elementwise layer.
type Activation struct {
	kind  Kind
	slope float64 // LeakyReLU only

	lastInput  *tensor.Tensor
	lastOutput *tensor.Tensor
}

// NewActivation creates a new activation layer. slope is used by LeakyReLU.
func NewActivation(kind Kind, slope float64) (*Activation, error) {
	switch kind {
	case ReLU, LeakyReLU, Tanh, Sigmoid:
	default:
		return nil, fmt.Errorf("unsupported activation: %s", kind)
	}
	return &Activation{kind: kind, slope: slope}, nil
}

func (a *Activation) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	a.lastInput = x
	out := tensor.New(x.Shape...)
	for i, v := range x.Data {
		out.Data[i] = a.apply(v)
	}
	a.lastOutput = out
	return out, nil
}

func (a *Activation) apply(v float64) float64 {
	switch a.kind {
	case ReLU:
		return math.Max(v, 0)
	case LeakyReLU:
		if v > 0 {
			return v
		}
		return a.slope * v
	case Tanh:
		return math.Tanh(v)
	default:
		return sigmoid(v)
	}
}

// Backward multiplies grad by the derivative at the cached input.
func (a *Activation) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if a.lastInput == nil {
		return nil, fmt.Errorf("%s: Backward called before Forward", a.kind)
	}
	if len(grad.Data) != len(a.lastInput.Data) {
		return nil, fmt.Errorf("%s: gradient shape %v does not match input %v", a.kind, grad.Shape, a.lastInput.Shape)
	}
	out := tensor.New(grad.Shape...)
	for i, g := range grad.Data {
		x, y := a.lastInput.Data[i], a.lastOutput.Data[i]
		var d float64
		switch a.kind {
		case ReLU:
			if x > 0 {
				d = 1
			}
		case LeakyReLU:
			d = a.slope
			if x > 0 {
				d = 1
			}
		case Tanh:
			d = 1 - y*y
		default:
			d = y * (1 - y)
		}
		out.Data[i] = g * d
	}
	return out, nil
}

func (a *Activation) Params() []*nn.Param { return nil }

func (a *Activation) Tag() string { return string(a.kind) }

func sigmoid(v float64) float64 {
	if v >= 0 {
		return 1 / (1 + math.Exp(-v))
	}
	e := math.Exp(v)
	return e / (1 + e)
}
