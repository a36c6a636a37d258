package nn

import (
	"arae/tensor"
)

// Param is a trainable tensor together with its accumulated gradient.
type Param struct {
	Name string
	W    *tensor.Tensor
	G    *tensor.Tensor
}

// NewParam allocates a zero-initialised parameter and gradient of the given shape.
func NewParam(name string, shape ...int) *Param {
	return &Param{Name: name, W: tensor.New(shape...), G: tensor.New(shape...)}
}

// Module defines a single layer/unit in the network.
type Module interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	// Backward takes the gradient of the loss with respect to the module's
	// last output, accumulates parameter gradients, and returns the gradient
	// with respect to the module's last input.
	Backward(gradOut *tensor.Tensor) (*tensor.Tensor, error)
	Params() []*Param
	Tag() string
}

// Sequential chains multiple Modules in order.
type Sequential struct {
	Layers []Module
}

// Forward applies each layer in sequence.
func (s *Sequential) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	out := x
	for _, layer := range s.Layers {
		out, err = layer.Forward(out)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Backward applies Backward in reverse order.
func (s *Sequential) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	out := grad
	for i := len(s.Layers) - 1; i >= 0; i-- {
		out, err = s.Layers[i].Backward(out)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Params concatenates the parameters of every layer.
func (s *Sequential) Params() []*Param {
	var ps []*Param
	for _, layer := range s.Layers {
		ps = append(ps, layer.Params()...)
	}
	return ps
}

func (s *Sequential) Tag() string {
	tag := ""
	for i, layer := range s.Layers {
		if i > 0 {
			tag += "-"
		}
		tag += layer.Tag()
	}
	return tag
}

// ZeroGrad clears the accumulated gradients of ps.
func ZeroGrad(ps []*Param) {
	for _, p := range ps {
		p.G.Zero()
	}
}

// Flatten copies every parameter value into one vector, in order.
func Flatten(ps []*Param) []float64 {
	n := 0
	for _, p := range ps {
		n += len(p.W.Data)
	}
	out := make([]float64, 0, n)
	for _, p := range ps {
		out = append(out, p.W.Data...)
	}
	return out
}
