package nn

import (
	"math"
	"testing"

	"arae/tensor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"
)

func TestMaskedCrossEntropyEqualsCEOverRealTokens(t *testing.T) {
	logits := &tensor.Tensor{
		Data: []float64{
			0.2, -1.0, 2.0, 0.5,
			9.0, 9.0, 9.0, 9.0, // padding row
			1.5, 0.3, -0.2, 0.1,
			-3.0, 4.0, 0.0, 1.0, // padding row
			0.0, 0.0, 0.0, 3.0,
		},
		Shape: []int{5, 4},
	}
	targets := []int{2, PadID, 1, PadID, 3}

	ce := &CrossEntropyLoss{Temp: 1}
	masked, err := ce.Masked(logits, targets)
	require.NoError(t, err)

	kept := tensor.New(3, 4)
	copy(kept.Row(0), logits.Row(0))
	copy(kept.Row(1), logits.Row(2))
	copy(kept.Row(2), logits.Row(4))
	full, err := ce.Full(kept, []int{2, 1, 3})
	require.NoError(t, err)

	assert.InDelta(t, full.Loss, masked.Loss, 1e-12)
	assert.Equal(t, 3, masked.Count)
	assert.Equal(t, full.Correct, masked.Correct)
	for _, r := range []int{1, 3} {
		for _, g := range masked.Grad.Row(r) {
			assert.Zero(t, g, "padding row %d received gradient", r)
		}
	}
}

func TestMaskedCrossEntropyGradient(t *testing.T) {
	targets := []int{1, 0, 3}
	x := []float64{0.1, 0.4, -0.3, 0.8, 1, 1, 1, 1, -0.5, 0.2, 0.9, 0.0}
	ce := &CrossEntropyLoss{Temp: 0.7}

	f := func(v []float64) float64 {
		res, err := ce.Masked(&tensor.Tensor{Data: v, Shape: []int{3, 4}}, targets)
		if err != nil {
			t.Fatal(err)
		}
		return res.Loss
	}
	num := fd.Gradient(nil, f, x, &fd.Settings{Formula: fd.Central})

	res, err := ce.Masked(&tensor.Tensor{Data: append([]float64(nil), x...), Shape: []int{3, 4}}, targets)
	require.NoError(t, err)
	for i := range num {
		assert.InDelta(t, num[i], res.Grad.Data[i], 1e-6, "grad[%d]", i)
	}
}

func TestMaskedCrossEntropyAllPadding(t *testing.T) {
	ce := &CrossEntropyLoss{Temp: 1}
	_, err := ce.Masked(tensor.New(2, 3), []int{PadID, PadID})
	if err == nil {
		t.Fatal("expected error when every target is padding")
	}
}

func TestBCELoss(t *testing.T) {
	probs := tensor.NewWithData([]float64{0.9, 0.2, 0.6})
	labels := []float64{1, 0, 0}
	loss, grad, err := BCELoss{}.Forward(probs, labels)
	require.NoError(t, err)

	want := -(math.Log(0.9) + math.Log(0.8) + math.Log(0.4)) / 3
	assert.InDelta(t, want, loss, 1e-12)

	f := func(v []float64) float64 {
		l, _, _ := BCELoss{}.Forward(tensor.NewWithData(v), labels)
		return l
	}
	num := fd.Gradient(nil, f, probs.Data, &fd.Settings{Formula: fd.Central})
	for i := range num {
		assert.InDelta(t, num[i], grad.Data[i], 1e-5)
	}
	assert.InDelta(t, 2.0/3.0, ThresholdAccuracy(probs, labels), 1e-12)
}

func TestSoftmaxSumsToOne(t *testing.T) {
	s := Softmax(tensor.NewWithData([]float64{1, 2, 3, 1000}))
	sum := 0.0
	for _, v := range s.Data {
		sum += v
	}
	if math.Abs(sum-1) > 1e-12 {
		t.Fatalf("softmax sum = %f", sum)
	}
}
