package models

import (
	"fmt"

	"arae/nn"
	"arae/nn/layers"
	"arae/tensor"

	"golang.org/x/exp/rand"
)

// DefaultInitStd is the stdev of the N(0, std) weight init of the MLPs.
const DefaultInitStd = 0.02

// MLPConfig describes a feed-forward stack In → Hidden... → Out.
type MLPConfig struct {
	In, Out int
	Hidden  []int
	Act     layers.Kind // between hidden layers
	Slope   float64     // LeakyReLU slope
	Head    layers.Kind // applied to the output; "" leaves it linear
	InitStd float64     // 0 keeps the uniform fan-in init
}

// MLP is a Sequential of Linear and activation layers.
type MLP struct {
	net *nn.Sequential
	out int
}

// NewMLP builds the stack and names its parameters name.<layer>.<param>.
func NewMLP(name string, cfg MLPConfig, src rand.Source) (*MLP, error) {
	if cfg.In <= 0 || cfg.Out <= 0 {
		return nil, fmt.Errorf("%s: invalid dimensions %d -> %d", name, cfg.In, cfg.Out)
	}
	net := &nn.Sequential{}
	in := cfg.In
	dims := append(append([]int(nil), cfg.Hidden...), cfg.Out)
	for i, d := range dims {
		if d <= 0 {
			return nil, fmt.Errorf("%s: layer %d has width %d", name, i, d)
		}
		lin := layers.NewLinear(in, d, src)
		if cfg.InitStd > 0 {
			lin.InitNormal(cfg.InitStd, src)
		}
		for _, p := range lin.Params() {
			p.Name = fmt.Sprintf("%s.%d.%s", name, i, p.Name)
		}
		net.Layers = append(net.Layers, lin)
		kind := cfg.Act
		if i == len(dims)-1 {
			kind = cfg.Head
		}
		if kind != "" {
			act, err := layers.NewActivation(kind, cfg.Slope)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
			net.Layers = append(net.Layers, act)
		}
		in = d
	}
	return &MLP{net: net, out: cfg.Out}, nil
}

func (m *MLP) Forward(x *tensor.Tensor) (*tensor.Tensor, error) { return m.net.Forward(x) }

// Backward returns the gradient at the input of the last Forward.
func (m *MLP) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) { return m.net.Backward(grad) }

func (m *MLP) Params() []*nn.Param { return m.net.Params() }

func (m *MLP) Tag() string { return m.net.Tag() }

// FirstLinear exposes the input layer, used by the encrypted probe.
func (m *MLP) FirstLinear() *layers.Linear {
	return m.net.Layers[0].(*layers.Linear)
}

// Tail runs every layer after the first Linear on x.
func (m *MLP) Tail(x *tensor.Tensor) (*tensor.Tensor, error) {
	tail := &nn.Sequential{Layers: m.net.Layers[1:]}
	return tail.Forward(x)
}

// NewGenerator maps z_size noise to nhidden fake codes; ReLU hidden layers.
func NewGenerator(zSize, nhidden int, hidden []int, src rand.Source) (*MLP, error) {
	return NewMLP("gan_gen", MLPConfig{
		In: zSize, Out: nhidden, Hidden: hidden,
		Act: layers.ReLU, InitStd: DefaultInitStd,
	}, src)
}

// Critic scores codes with an unbounded real value.
type Critic struct {
	*MLP
}

// NewCritic builds a LeakyReLU(0.2) critic with a single linear output.
func NewCritic(nhidden int, hidden []int, src rand.Source) (*Critic, error) {
	m, err := NewMLP("gan_disc", MLPConfig{
		In: nhidden, Out: 1, Hidden: hidden,
		Act: layers.LeakyReLU, Slope: 0.2, InitStd: DefaultInitStd,
	}, src)
	if err != nil {
		return nil, err
	}
	return &Critic{MLP: m}, nil
}

// Clamp limits every critic parameter to [-bound, bound].
func (c *Critic) Clamp(bound float64) { nn.Clamp(c.Params(), bound) }

// NewClassifier builds a ReLU classifier with a sigmoid head.
func NewClassifier(nhidden int, hidden []int, initStd float64, src rand.Source) (*MLP, error) {
	return NewMLP("classifier", MLPConfig{
		In: nhidden, Out: 1, Hidden: hidden,
		Act: layers.ReLU, Head: layers.Sigmoid, InitStd: initStd,
	}, src)
}
