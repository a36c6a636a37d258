package nn

import (
	"fmt"
	"math"

	"arae/tensor"

	"gonum.org/v1/gonum/floats"
)

// PadID is the target id excluded from every token loss.
const PadID = 0

// CrossEntropyLoss is softmax cross-entropy over rows of logits divided by Temp.
type CrossEntropyLoss struct {
	Temp float64
}

// CEResult carries the mean loss over counted rows, the gradient with respect
// to the raw logits and the argmax hits among counted rows.
type CEResult struct {
	Loss    float64
	Grad    *tensor.Tensor
	Correct int
	Count   int
}

// Accuracy is Correct/Count.
func (r *CEResult) Accuracy() float64 {
	if r.Count == 0 {
		return 0
	}
	return float64(r.Correct) / float64(r.Count)
}

// Masked computes the loss over rows whose target is not PadID.
// Padding rows contribute nothing to Loss, Grad or Correct.
func (c *CrossEntropyLoss) Masked(logits *tensor.Tensor, targets []int) (*CEResult, error) {
	return c.forward(logits, targets, true)
}

// Full computes the loss over every row.
func (c *CrossEntropyLoss) Full(logits *tensor.Tensor, targets []int) (*CEResult, error) {
	return c.forward(logits, targets, false)
}

func (c *CrossEntropyLoss) forward(logits *tensor.Tensor, targets []int, masked bool) (*CEResult, error) {
	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("cross-entropy expects 2-D logits, got %v", logits.Shape)
	}
	n, v := logits.Shape[0], logits.Shape[1]
	if len(targets) != n {
		return nil, fmt.Errorf("cross-entropy: %d targets for %d rows", len(targets), n)
	}
	temp := c.Temp
	if temp <= 0 {
		temp = 1
	}
	count := 0
	for _, y := range targets {
		if !masked || y != PadID {
			count++
		}
	}
	if count == 0 {
		return nil, fmt.Errorf("cross-entropy: no unmasked targets")
	}

	res := &CEResult{Grad: tensor.New(n, v), Count: count}
	scaled := make([]float64, v)
	inv := 1 / float64(count)
	for i := 0; i < n; i++ {
		y := targets[i]
		if masked && y == PadID {
			continue
		}
		if y < 0 || y >= v {
			return nil, fmt.Errorf("cross-entropy: target %d out of range [0,%d)", y, v)
		}
		row := logits.Row(i)
		copy(scaled, row)
		floats.Scale(1/temp, scaled)
		lse := logSumExp(scaled)
		res.Loss += (lse - scaled[y]) * inv
		if floats.MaxIdx(row) == y {
			res.Correct++
		}
		g := res.Grad.Row(i)
		for j := range g {
			g[j] = math.Exp(scaled[j]-lse) * inv / temp
		}
		g[y] -= inv / temp
	}
	return res, nil
}

func logSumExp(x []float64) float64 {
	m := floats.Max(x)
	s := 0.0
	for _, v := range x {
		s += math.Exp(v - m)
	}
	return m + math.Log(s)
}

// Softmax applies the softmax function to a tensor.
func Softmax(logits *tensor.Tensor) *tensor.Tensor {
	softmax := tensor.New(len(logits.Data))
	lse := logSumExp(logits.Data)
	for i, v := range logits.Data {
		softmax.Data[i] = math.Exp(v - lse)
	}
	return softmax
}

// BCELoss is the mean binary cross-entropy between probabilities and 0/1 labels.
type BCELoss struct{}

const bceEps = 1e-12

// Forward returns the mean loss and its gradient with respect to probs.
func (BCELoss) Forward(probs *tensor.Tensor, labels []float64) (float64, *tensor.Tensor, error) {
	if len(probs.Data) != len(labels) {
		return 0, nil, fmt.Errorf("bce: %d probabilities for %d labels", len(probs.Data), len(labels))
	}
	n := float64(len(labels))
	grad := tensor.New(probs.Shape...)
	loss := 0.0
	for i, p := range probs.Data {
		p = math.Min(math.Max(p, bceEps), 1-bceEps)
		y := labels[i]
		loss -= (y*math.Log(p) + (1-y)*math.Log(1-p)) / n
		grad.Data[i] = (p - y) / (p * (1 - p)) / n
	}
	return loss, grad, nil
}

// ThresholdAccuracy is the share of probs on the same side of 0.5 as labels.
func ThresholdAccuracy(probs *tensor.Tensor, labels []float64) float64 {
	hit := 0
	for i, p := range probs.Data {
		pred := 0.0
		if p > 0.5 {
			pred = 1
		}
		if pred == labels[i] {
			hit++
		}
	}
	return float64(hit) / float64(len(labels))
}
