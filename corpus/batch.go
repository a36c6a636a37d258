package corpus

import (
	"fmt"
	"sort"

	"golang.org/x/exp/rand"
)

// Batch is one padded minibatch, sorted by length descending.
// Source is <sos> w1..wn, Target is w1..wn <eos>, both padded with Pad.
type Batch struct {
	Source  [][]int
	Target  [][]int
	Lengths []int
}

// Size is the number of examples.
func (b *Batch) Size() int { return len(b.Lengths) }

// Steps is the padded sequence length.
func (b *Batch) Steps() int {
	if len(b.Source) == 0 {
		return 0
	}
	return len(b.Source[0])
}

// FlatTargets lists targets example-major, index i*Steps()+t.
func (b *Batch) FlatTargets() []int {
	out := make([]int, 0, b.Size()*b.Steps())
	for _, row := range b.Target {
		out = append(out, row...)
	}
	return out
}

// Tokens is the number of non-padding target positions, Σ Lengths.
func (b *Batch) Tokens() int {
	n := 0
	for _, l := range b.Lengths {
		n += l
	}
	return n
}

// LengthFactor returns one float per example equal to its length times scale.
func (b *Batch) LengthFactor(scale float64) []float64 {
	out := make([]float64, len(b.Lengths))
	for i, l := range b.Lengths {
		out[i] = float64(l) * scale
	}
	return out
}

// NewBatch pads sentences (each <sos> ... <eos>) into a batch.
func NewBatch(sents [][]int) (*Batch, error) {
	if len(sents) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	sorted := append([][]int(nil), sents...)
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	steps := len(sorted[0]) - 1
	b := &Batch{
		Source:  make([][]int, len(sorted)),
		Target:  make([][]int, len(sorted)),
		Lengths: make([]int, len(sorted)),
	}
	for i, s := range sorted {
		if len(s) < 2 {
			return nil, fmt.Errorf("sentence %d has %d ids, need at least <sos> and <eos>", i, len(s))
		}
		b.Lengths[i] = len(s) - 1
		b.Source[i] = make([]int, steps)
		b.Target[i] = make([]int, steps)
		copy(b.Source[i], s[:len(s)-1])
		copy(b.Target[i], s[1:])
	}
	return b, nil
}

// Batchify cuts data into batches of bsz. When rng is non-nil the order is
// shuffled first. A trailing partial batch is kept only if keepRemainder.
func Batchify(data [][]int, bsz int, rng *rand.Rand, keepRemainder bool) ([]*Batch, error) {
	if bsz <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", bsz)
	}
	order := append([][]int(nil), data...)
	if rng != nil {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	n := len(order) / bsz
	if keepRemainder && len(order)%bsz != 0 {
		n++
	}
	if n == 0 {
		return nil, fmt.Errorf("%d sentences do not fill one batch of %d", len(order), bsz)
	}
	out := make([]*Batch, 0, n)
	for i := 0; i < n; i++ {
		end := (i + 1) * bsz
		if end > len(order) {
			end = len(order)
		}
		b, err := NewBatch(order[i*bsz : end])
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", i, err)
		}
		out = append(out, b)
	}
	return out, nil
}

// Cap returns the leading batches that together hold at most maxExamples
// examples; maxExamples <= 0 keeps everything. At least one batch is kept.
func Cap(batches []*Batch, maxExamples int) []*Batch {
	if maxExamples <= 0 {
		return batches
	}
	total := 0
	for i, b := range batches {
		total += b.Size()
		if total > maxExamples {
			if i == 0 {
				return batches[:1]
			}
			return batches[:i]
		}
	}
	return batches
}

// DualCursor walks two batch lists in lockstep and stops as soon as either
// one is exhausted.
type DualCursor struct {
	first, second []*Batch
	pos           int
}

func NewDualCursor(first, second []*Batch) *DualCursor {
	return &DualCursor{first: first, second: second}
}

// Len is the number of lockstep positions, min of both lengths.
func (c *DualCursor) Len() int {
	if len(c.first) < len(c.second) {
		return len(c.first)
	}
	return len(c.second)
}

// Pos is the number of positions consumed so far.
func (c *DualCursor) Pos() int { return c.pos }

// Done reports whether either side is exhausted.
func (c *DualCursor) Done() bool { return c.pos >= c.Len() }

// Next returns the batch pair at the cursor and advances it.
func (c *DualCursor) Next() (*Batch, *Batch, bool) {
	if c.Done() {
		return nil, nil, false
	}
	a, b := c.first[c.pos], c.second[c.pos]
	c.pos++
	return a, b, true
}
