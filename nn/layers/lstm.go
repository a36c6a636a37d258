package layers

import (
	"fmt"
	"math"

	"arae/nn"
	"arae/tensor"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// State is the (hidden, cell) pair of an LSTM, each (batch, hidden).
type State struct {
	H *tensor.Tensor
	C *tensor.Tensor
}

// ZeroState returns an all-zero state.
func ZeroState(batch, hidden int) State {
	return State{H: tensor.New(batch, hidden), C: tensor.New(batch, hidden)}
}

// LSTM is a single recurrent layer. Gate columns are laid out as [i | f | g | o].
type LSTM struct {
	Wx *nn.Param // (4H, in)
	Wh *nn.Param // (4H, H)
	B  *nn.Param // (4H)

	hidden int
	steps  []lstmStep
}

type lstmStep struct {
	x, hPrev, cPrev *tensor.Tensor
	gates           *tensor.Tensor // activated gates (batch, 4H)
	tanhC           *tensor.Tensor
}

// NewLSTM draws all weights from U(-initRange, initRange).
func NewLSTM(inDim, hidden int, initRange float64, src rand.Source) *LSTM {
	l := &LSTM{
		Wx:     nn.NewParam("weight_ih", 4*hidden, inDim),
		Wh:     nn.NewParam("weight_hh", 4*hidden, hidden),
		B:      nn.NewParam("bias", 4*hidden),
		hidden: hidden,
	}
	u := distuv.Uniform{Min: -initRange, Max: initRange, Src: src}
	for _, p := range l.Params() {
		fill(p.W.Data, u)
	}
	return l
}

func (l *LSTM) Hidden() int { return l.hidden }
func (l *LSTM) InDim() int  { return l.Wx.W.Shape[1] }

// Step advances one timestep without recording anything for Backward.
func (l *LSTM) Step(x *tensor.Tensor, s State) (State, error) {
	st, err := l.cell(x, s)
	if err != nil {
		return State{}, err
	}
	return State{H: hiddenOut(st), C: st.c()}, nil
}

// Forward runs the sequence xs (each (batch, in)) from init and returns the
// hidden output of every step. The run is cached for Backward.
func (l *LSTM) Forward(xs []*tensor.Tensor, init State) ([]*tensor.Tensor, State, error) {
	l.steps = l.steps[:0]
	hs := make([]*tensor.Tensor, len(xs))
	s := init
	for t, x := range xs {
		st, err := l.cell(x, s)
		if err != nil {
			return nil, State{}, fmt.Errorf("LSTM step %d: %w", t, err)
		}
		l.steps = append(l.steps, st)
		hs[t] = hiddenOut(st)
		s = State{H: hs[t], C: st.c()}
	}
	return hs, s, nil
}

// Backward takes dL/dh for each step (nil entries are zero) and returns
// dL/dx per step and dL/d(init state). Parameter gradients are accumulated.
func (l *LSTM) Backward(dhs []*tensor.Tensor) ([]*tensor.Tensor, State, error) {
	if len(dhs) != len(l.steps) {
		return nil, State{}, fmt.Errorf("LSTM: %d gradients for %d cached steps", len(dhs), len(l.steps))
	}
	if len(l.steps) == 0 {
		return nil, State{}, fmt.Errorf("LSTM: Backward called before Forward")
	}
	batch, H := l.steps[0].hPrev.Rows(), l.hidden
	dxs := make([]*tensor.Tensor, len(l.steps))
	dhNext := tensor.New(batch, H)
	dcNext := tensor.New(batch, H)

	for t := len(l.steps) - 1; t >= 0; t-- {
		st := l.steps[t]
		dh := dhNext
		if dhs[t] != nil {
			if err := tensor.AddInPlace(dh, dhs[t]); err != nil {
				return nil, State{}, fmt.Errorf("LSTM step %d: %w", t, err)
			}
		}
		dz := tensor.New(batch, 4*H)
		dcPrev := tensor.New(batch, H)
		for b := 0; b < batch; b++ {
			gr := st.gates.Row(b)
			dzr := dz.Row(b)
			dhr, dcr := dh.Row(b), dcNext.Row(b)
			tc, cp := st.tanhC.Row(b), st.cPrev.Row(b)
			for j := 0; j < H; j++ {
				i, f, g, o := gr[j], gr[H+j], gr[2*H+j], gr[3*H+j]
				dc := dcr[j] + dhr[j]*o*(1-tc[j]*tc[j])
				dzr[j] = dc * g * i * (1 - i)
				dzr[H+j] = dc * cp[j] * f * (1 - f)
				dzr[2*H+j] = dc * i * (1 - g*g)
				dzr[3*H+j] = dhr[j] * tc[j] * o * (1 - o)
				dcPrev.Row(b)[j] = dc * f
			}
		}
		if err := accumulate(l.Wx, dz, st.x); err != nil {
			return nil, State{}, err
		}
		if err := accumulate(l.Wh, dz, st.hPrev); err != nil {
			return nil, State{}, err
		}
		for b := 0; b < batch; b++ {
			for j, v := range dz.Row(b) {
				l.B.G.Data[j] += v
			}
		}
		dx, err := tensor.MatMul(dz, l.Wx.W)
		if err != nil {
			return nil, State{}, err
		}
		dxs[t] = dx
		if dhNext, err = tensor.MatMul(dz, l.Wh.W); err != nil {
			return nil, State{}, err
		}
		dcNext = dcPrev
	}
	return dxs, State{H: dhNext, C: dcNext}, nil
}

func (l *LSTM) Params() []*nn.Param { return []*nn.Param{l.Wx, l.Wh, l.B} }

func (l *LSTM) Tag() string { return fmt.Sprintf("LSTM_%d_%d", l.InDim(), l.hidden) }

func (l *LSTM) cell(x *tensor.Tensor, s State) (lstmStep, error) {
	H := l.hidden
	z, err := tensor.MatMulTransB(x, l.Wx.W)
	if err != nil {
		return lstmStep{}, err
	}
	zh, err := tensor.MatMulTransB(s.H, l.Wh.W)
	if err != nil {
		return lstmStep{}, err
	}
	if err := tensor.AddInPlace(z, zh); err != nil {
		return lstmStep{}, err
	}
	batch := x.Rows()
	tanhC := tensor.New(batch, H)
	for b := 0; b < batch; b++ {
		r := z.Row(b)
		for j := range r {
			r[j] += l.B.W.Data[j]
		}
		cp, tc := s.C.Row(b), tanhC.Row(b)
		for j := 0; j < H; j++ {
			r[j] = sigmoid(r[j])
			r[H+j] = sigmoid(r[H+j])
			r[2*H+j] = math.Tanh(r[2*H+j])
			r[3*H+j] = sigmoid(r[3*H+j])
			tc[j] = math.Tanh(r[H+j]*cp[j] + r[j]*r[2*H+j])
		}
	}
	return lstmStep{x: x, hPrev: s.H, cPrev: s.C, gates: z, tanhC: tanhC}, nil
}

// c recomputes the new cell state from the cached gates.
func (st lstmStep) c() *tensor.Tensor {
	H := st.tanhC.Cols()
	out := tensor.New(st.tanhC.Shape...)
	for b := 0; b < out.Rows(); b++ {
		gr, cp, cr := st.gates.Row(b), st.cPrev.Row(b), out.Row(b)
		for j := 0; j < H; j++ {
			cr[j] = gr[H+j]*cp[j] + gr[j]*gr[2*H+j]
		}
	}
	return out
}

func hiddenOut(st lstmStep) *tensor.Tensor {
	H := st.tanhC.Cols()
	out := tensor.New(st.tanhC.Shape...)
	for b := 0; b < out.Rows(); b++ {
		gr, tc, hr := st.gates.Row(b), st.tanhC.Row(b), out.Row(b)
		for j := 0; j < H; j++ {
			hr[j] = gr[3*H+j] * tc[j]
		}
	}
	return out
}

// accumulate adds dzᵀ·in to g.
func accumulate(g *nn.Param, dz, in *tensor.Tensor) error {
	d, err := tensor.MatMulTransA(dz, in)
	if err != nil {
		return err
	}
	return tensor.AddInPlace(g.G, d)
}
