// Package models holds the four ARAE networks: the two-decoder sequence
// autoencoder, the generator, the critic and the attribute classifier.
package models

import (
	"errors"
	"fmt"
	"math"

	"arae/corpus"
	"arae/nn"
	"arae/nn/layers"
	"arae/tensor"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

var (
	// ErrDetached is returned when gradient is pushed into an encoding that
	// was produced without Propagate.
	ErrDetached = errors.New("encoding is detached from the encoder")
	// ErrStaleEncoding is returned when the encoder has run again since the
	// encoding was produced, so its cached activations are gone.
	ErrStaleEncoding = errors.New("encoding is stale")
	// ErrBadDecoder is returned for a decoder id other than 1 or 2.
	ErrBadDecoder = errors.New("decoder id must be 1 or 2")
)

const initRange = 0.1

// AutoencoderConfig sets the network dimensions.
type AutoencoderConfig struct {
	NTokens    int
	EmSize     int
	NHidden    int
	NLayers    int
	HiddenInit bool // start decoders from (code, 0) instead of zeros
}

// Autoencoder is one LSTM encoder shared by two LSTM decoders. Each decoder
// has its own embedding table and output projection.
type Autoencoder struct {
	cfg AutoencoderConfig

	encEmb *layers.Embedding
	enc    []*layers.LSTM
	dec    [2]*decoder

	src        rand.Source
	rng        *rand.Rand
	generation int
	params     []*nn.Param
}

type decoder struct {
	emb *layers.Embedding
	rnn []*layers.LSTM
	out *layers.Linear

	batch, steps int
}

// EncodeOptions selects noise injection and gradient routing for one encode.
type EncodeOptions struct {
	// NoiseRadius is the stdev of Gaussian noise added to the normalised
	// code; 0 disables noise.
	NoiseRadius float64
	// Propagate keeps the encoder's activations so that BackwardCode can
	// push a gradient into the encoder. When false the code is read-only.
	Propagate bool
}

// Encoding is the latent code of one batch, (batch, nhidden).
type Encoding struct {
	Code *tensor.Tensor

	unit      *tensor.Tensor
	norms     []float64
	lengths   []int
	steps     int
	propagate bool
	gen       int
}

// Propagates reports whether gradient may flow back into the encoder.
func (e *Encoding) Propagates() bool { return e.propagate }

// NewAutoencoder builds the network with weights from U(-0.1, 0.1).
func NewAutoencoder(cfg AutoencoderConfig, src rand.Source) (*Autoencoder, error) {
	if cfg.NTokens <= corpus.Oov || cfg.EmSize <= 0 || cfg.NHidden <= 0 || cfg.NLayers <= 0 {
		return nil, fmt.Errorf("invalid autoencoder dimensions %+v", cfg)
	}
	ae := &Autoencoder{cfg: cfg, src: src, rng: rand.New(src)}
	ae.encEmb = layers.NewEmbedding(cfg.NTokens, cfg.EmSize, initRange, src)
	ae.adopt("embedding", ae.encEmb.Params())
	ae.enc = stackLSTM(cfg.EmSize, cfg.NHidden, cfg.NLayers, src)
	for i, l := range ae.enc {
		ae.adopt(fmt.Sprintf("encoder.%d", i), l.Params())
	}
	for d := range ae.dec {
		dec := &decoder{
			emb: layers.NewEmbedding(cfg.NTokens, cfg.EmSize, initRange, src),
			rnn: stackLSTM(cfg.EmSize+cfg.NHidden, cfg.NHidden, cfg.NLayers, src),
			out: layers.NewLinear(cfg.NHidden, cfg.NTokens, src),
		}
		dec.out.InitUniform(initRange, src)
		prefix := fmt.Sprintf("decoder%d", d+1)
		ae.adopt(prefix+".embedding", dec.emb.Params())
		for i, l := range dec.rnn {
			ae.adopt(fmt.Sprintf("%s.rnn.%d", prefix, i), l.Params())
		}
		ae.adopt(prefix+".linear", dec.out.Params())
		ae.dec[d] = dec
	}
	return ae, nil
}

func stackLSTM(in, hidden, n int, src rand.Source) []*layers.LSTM {
	out := make([]*layers.LSTM, n)
	for i := range out {
		out[i] = layers.NewLSTM(in, hidden, initRange, src)
		in = hidden
	}
	return out
}

func (ae *Autoencoder) adopt(prefix string, ps []*nn.Param) {
	for _, p := range ps {
		p.Name = prefix + "." + p.Name
		ae.params = append(ae.params, p)
	}
}

// Params lists every autoencoder parameter with a dotted name.
func (ae *Autoencoder) Params() []*nn.Param { return ae.params }

func (ae *Autoencoder) Config() AutoencoderConfig { return ae.cfg }

func (ae *Autoencoder) pick(id int) (*decoder, error) {
	if id != 1 && id != 2 {
		return nil, fmt.Errorf("%w: got %d", ErrBadDecoder, id)
	}
	return ae.dec[id-1], nil
}

// Encode maps a batch to L2-normalised codes taken from the top encoder
// layer at each example's last real position.
func (ae *Autoencoder) Encode(b *corpus.Batch, opts EncodeOptions) (*Encoding, error) {
	if b.Size() == 0 {
		return nil, fmt.Errorf("encode: empty batch")
	}
	ae.generation++
	xs, err := embedSteps(ae.encEmb, b.Source)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	B, H := b.Size(), ae.cfg.NHidden
	for i, l := range ae.enc {
		if xs, _, err = l.Forward(xs, layers.ZeroState(B, H)); err != nil {
			return nil, fmt.Errorf("encode layer %d: %w", i, err)
		}
	}

	enc := &Encoding{
		unit:      tensor.New(B, H),
		norms:     make([]float64, B),
		lengths:   append([]int(nil), b.Lengths...),
		steps:     b.Steps(),
		propagate: opts.Propagate,
		gen:       ae.generation,
	}
	for i, n := range b.Lengths {
		row := enc.unit.Row(i)
		copy(row, xs[n-1].Row(i))
		norm := math.Max(floats.Norm(row, 2), 1e-12)
		floats.Scale(1/norm, row)
		enc.norms[i] = norm
	}
	enc.Code = enc.unit.Clone()
	if opts.NoiseRadius > 0 {
		noise := distuv.Normal{Mu: 0, Sigma: opts.NoiseRadius, Src: ae.src}
		for i := range enc.Code.Data {
			enc.Code.Data[i] += noise.Rand()
		}
	}
	return enc, nil
}

// BackwardCode pushes dCode, the gradient at enc.Code, through the encoder
// into its parameter gradients.
func (ae *Autoencoder) BackwardCode(enc *Encoding, dCode *tensor.Tensor) error {
	if !enc.propagate {
		return ErrDetached
	}
	if enc.gen != ae.generation {
		return ErrStaleEncoding
	}
	if !tensor.SameShape(dCode, enc.Code) {
		return fmt.Errorf("code gradient shape %v, want %v", dCode.Shape, enc.Code.Shape)
	}
	B, H := enc.Code.Rows(), ae.cfg.NHidden
	dhs := make([]*tensor.Tensor, enc.steps)
	for i, n := range enc.lengths {
		if dhs[n-1] == nil {
			dhs[n-1] = tensor.New(B, H)
		}
		y, dy, dst := enc.unit.Row(i), dCode.Row(i), dhs[n-1].Row(i)
		proj := floats.Dot(y, dy)
		for j := range dst {
			dst[j] = (dy[j] - y[j]*proj) / enc.norms[i]
		}
	}
	for i := len(ae.enc) - 1; i >= 0; i-- {
		dxs, _, err := ae.enc[i].Backward(dhs)
		if err != nil {
			return fmt.Errorf("encoder layer %d backward: %w", i, err)
		}
		dhs = dxs
	}
	return ae.encEmb.Backward(stackRows(dhs))
}

// Decode runs decoder id teacher-forced on b.Source conditioned on enc.Code
// and returns logits of shape (batch*steps, ntokens), row i*steps+t.
func (ae *Autoencoder) Decode(id int, enc *Encoding, b *corpus.Batch) (*tensor.Tensor, error) {
	d, err := ae.pick(id)
	if err != nil {
		return nil, err
	}
	if enc.Code.Rows() != b.Size() {
		return nil, fmt.Errorf("decode: code has %d rows for batch of %d", enc.Code.Rows(), b.Size())
	}
	embs, err := embedSteps(d.emb, b.Source)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	xs := make([]*tensor.Tensor, len(embs))
	for t, e := range embs {
		if xs[t], err = tensor.ConcatCols(e, enc.Code); err != nil {
			return nil, err
		}
	}
	B, T := b.Size(), b.Steps()
	for i, l := range d.rnn {
		if xs, _, err = l.Forward(xs, ae.initState(enc.Code)); err != nil {
			return nil, fmt.Errorf("decoder %d layer %d: %w", id, i, err)
		}
	}
	all := tensor.New(B*T, ae.cfg.NHidden)
	for t, h := range xs {
		for i := 0; i < B; i++ {
			copy(all.Row(i*T+t), h.Row(i))
		}
	}
	d.batch, d.steps = B, T
	return d.out.Forward(all)
}

// BackwardDecode takes the gradient at the logits of the last Decode with
// decoder id, accumulates decoder gradients and returns the gradient at
// the code that was fed to it.
func (ae *Autoencoder) BackwardDecode(id int, dLogits *tensor.Tensor) (*tensor.Tensor, error) {
	d, err := ae.pick(id)
	if err != nil {
		return nil, err
	}
	dAll, err := d.out.Backward(dLogits)
	if err != nil {
		return nil, fmt.Errorf("decoder %d output: %w", id, err)
	}
	B, T, H, E := d.batch, d.steps, ae.cfg.NHidden, ae.cfg.EmSize
	dhs := make([]*tensor.Tensor, T)
	for t := range dhs {
		dhs[t] = tensor.New(B, H)
		for i := 0; i < B; i++ {
			copy(dhs[t].Row(i), dAll.Row(i*T+t))
		}
	}
	dCode := tensor.New(B, H)
	for i := len(d.rnn) - 1; i >= 0; i-- {
		dxs, dInit, err := d.rnn[i].Backward(dhs)
		if err != nil {
			return nil, fmt.Errorf("decoder %d layer %d backward: %w", id, i, err)
		}
		if ae.cfg.HiddenInit {
			if err := tensor.AddInPlace(dCode, dInit.H); err != nil {
				return nil, err
			}
		}
		dhs = dxs
	}
	dEmb := make([]*tensor.Tensor, T)
	for t, dx := range dhs {
		dEmb[t] = tensor.SliceCols(dx, 0, E)
		if err := tensor.AddInPlace(dCode, tensor.SliceCols(dx, E, E+H)); err != nil {
			return nil, err
		}
	}
	if err := d.emb.Backward(stackRows(dEmb)); err != nil {
		return nil, err
	}
	return dCode, nil
}

// Generate decodes code with decoder id for maxLen steps starting from
// <sos>, greedily or by sampling softmax(logits/temp).
func (ae *Autoencoder) Generate(id int, code *tensor.Tensor, maxLen int, sample bool, temp float64) ([][]int, error) {
	d, err := ae.pick(id)
	if err != nil {
		return nil, err
	}
	B := code.Rows()
	states := make([]layers.State, len(d.rnn))
	for i := range states {
		states[i] = ae.initState(code)
	}
	ids := make([]int, B)
	for i := range ids {
		ids[i] = corpus.Sos
	}
	out := make([][]int, B)
	for step := 0; step < maxLen; step++ {
		emb, err := d.emb.Peek(ids)
		if err != nil {
			return nil, err
		}
		x, err := tensor.ConcatCols(emb, code)
		if err != nil {
			return nil, err
		}
		for i, l := range d.rnn {
			if states[i], err = l.Step(x, states[i]); err != nil {
				return nil, err
			}
			x = states[i].H
		}
		logits, err := d.out.Forward(x)
		if err != nil {
			return nil, err
		}
		for i := 0; i < B; i++ {
			row := logits.Row(i)
			if sample {
				ids[i] = ae.sample(row, temp)
			} else {
				ids[i] = floats.MaxIdx(row)
			}
			out[i] = append(out[i], ids[i])
		}
	}
	return out, nil
}

func (ae *Autoencoder) sample(logits []float64, temp float64) int {
	if temp <= 0 {
		temp = 1
	}
	scaled := tensor.NewWithData(logits)
	scaled.Scale(1 / temp)
	probs := nn.Softmax(scaled)
	u := ae.rng.Float64()
	acc := 0.0
	for i, p := range probs.Data {
		acc += p
		if u < acc {
			return i
		}
	}
	return len(probs.Data) - 1
}

func (ae *Autoencoder) initState(code *tensor.Tensor) layers.State {
	s := layers.ZeroState(code.Rows(), ae.cfg.NHidden)
	if ae.cfg.HiddenInit {
		s.H = code.Clone()
	}
	return s
}

// embedSteps looks up ids time-major and splits the rows into one
// (batch, dim) tensor per step.
func embedSteps(e *layers.Embedding, ids [][]int) ([]*tensor.Tensor, error) {
	B := len(ids)
	T := len(ids[0])
	flat := make([]int, 0, B*T)
	for t := 0; t < T; t++ {
		for i := 0; i < B; i++ {
			flat = append(flat, ids[i][t])
		}
	}
	all, err := e.Lookup(flat)
	if err != nil {
		return nil, err
	}
	out := make([]*tensor.Tensor, T)
	dim := e.Dim()
	for t := range out {
		out[t] = &tensor.Tensor{Data: all.Data[t*B*dim : (t+1)*B*dim], Shape: []int{B, dim}}
	}
	return out, nil
}

// stackRows is the inverse of embedSteps' split.
func stackRows(steps []*tensor.Tensor) *tensor.Tensor {
	B, dim := steps[0].Rows(), steps[0].Cols()
	out := tensor.New(len(steps)*B, dim)
	for t, s := range steps {
		copy(out.Data[t*B*dim:], s.Data)
	}
	return out
}
