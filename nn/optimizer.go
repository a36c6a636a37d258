package nn

import (
	"math"
)

// Optimizer steps a fixed set of parameters from their accumulated gradients.
type Optimizer interface {
	Step()
	ZeroGrad()
}

var (
	_ Optimizer = (*SGD)(nil)
	_ Optimizer = (*Adam)(nil)
)

// SGD is plain gradient descent: w <- w - lr*g.
type SGD struct {
	params []*Param
	LR     float64
}

func NewSGD(params []*Param, lr float64) *SGD {
	return &SGD{params: params, LR: lr}
}

func (o *SGD) Step() {
	for _, p := range o.params {
		for i, g := range p.G.Data {
			p.W.Data[i] -= o.LR * g
		}
	}
}

func (o *SGD) ZeroGrad() { ZeroGrad(o.params) }

// Adam represents the Adam optimizer.
type Adam struct {
	params  []*Param
	LR      float64
	Beta1   float64
	Beta2   float64
	Epsilon float64
	t       int
	m       map[*Param][]float64 // 1st moment vector
	v       map[*Param][]float64 // 2nd moment vector
}

// NewAdam creates an Adam optimizer with beta2 0.999 and epsilon 1e-8.
func NewAdam(params []*Param, lr, beta1 float64) *Adam {
	return &Adam{
		params:  params,
		LR:      lr,
		Beta1:   beta1,
		Beta2:   0.999,
		Epsilon: 1e-8,
		m:       make(map[*Param][]float64),
		v:       make(map[*Param][]float64),
	}
}

// Step performs a single optimization step.
func (o *Adam) Step() {
	o.t++
	bc1 := 1 - math.Pow(o.Beta1, float64(o.t))
	bc2 := 1 - math.Pow(o.Beta2, float64(o.t))
	for _, p := range o.params {
		m, ok := o.m[p]
		if !ok {
			m = make([]float64, len(p.W.Data))
			o.m[p] = m
			o.v[p] = make([]float64, len(p.W.Data))
		}
		v := o.v[p]
		for i, g := range p.G.Data {
			m[i] = o.Beta1*m[i] + (1-o.Beta1)*g
			v[i] = o.Beta2*v[i] + (1-o.Beta2)*g*g
			mHat := m[i] / bc1
			vHat := v[i] / bc2
			p.W.Data[i] -= o.LR * mHat / (math.Sqrt(vHat) + o.Epsilon)
		}
	}
}

func (o *Adam) ZeroGrad() { ZeroGrad(o.params) }

// Steps returns how many updates have been applied.
func (o *Adam) Steps() int { return o.t }
