package layers

import (
	"fmt"

	"arae/nn"
	"arae/tensor"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Embedding maps token ids to dense rows of Weight.
type Embedding struct {
	Weight *nn.Param // (vocab, dim)

	lastIDs []int
}

// NewEmbedding draws the table from U(-initRange, initRange).
func NewEmbedding(vocab, dim int, initRange float64, src rand.Source) *Embedding {
	e := &Embedding{Weight: nn.NewParam("weight", vocab, dim)}
	fill(e.Weight.W.Data, distuv.Uniform{Min: -initRange, Max: initRange, Src: src})
	return e
}

func (e *Embedding) Dim() int { return e.Weight.W.Shape[1] }

// Lookup returns a (len(ids), dim) tensor and caches ids for Backward.
func (e *Embedding) Lookup(ids []int) (*tensor.Tensor, error) {
	out, err := e.Peek(ids)
	if err != nil {
		return nil, err
	}
	e.lastIDs = append(e.lastIDs[:0], ids...)
	return out, nil
}

// Peek is Lookup without caching, used during generation.
func (e *Embedding) Peek(ids []int) (*tensor.Tensor, error) {
	vocab := e.Weight.W.Shape[0]
	out := tensor.New(len(ids), e.Dim())
	for i, id := range ids {
		if id < 0 || id >= vocab {
			return nil, fmt.Errorf("Embedding: id %d out of range [0,%d)", id, vocab)
		}
		copy(out.Row(i), e.Weight.W.Row(id))
	}
	return out, nil
}

// Backward scatters grad rows into the gradient of the looked-up ids.
func (e *Embedding) Backward(grad *tensor.Tensor) error {
	if grad.Rows() != len(e.lastIDs) {
		return fmt.Errorf("Embedding: gradient has %d rows for %d ids", grad.Rows(), len(e.lastIDs))
	}
	for i, id := range e.lastIDs {
		dst := e.Weight.G.Row(id)
		for j, g := range grad.Row(i) {
			dst[j] += g
		}
	}
	return nil
}

func (e *Embedding) Params() []*nn.Param { return []*nn.Param{e.Weight} }
