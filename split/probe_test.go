package split

import (
	"testing"

	"arae/core/ckkswrapper"
	"arae/models"
	"arae/tensor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func randomCodes(rows, cols int, seed uint64) *tensor.Tensor {
	r := rand.New(rand.NewSource(seed))
	codes := tensor.New(rows, cols)
	for i := range codes.Data {
		codes.Data[i] = r.NormFloat64() * 0.3
	}
	return codes
}

func TestProbeMatchesPlaintext(t *testing.T) {
	he, err := ckkswrapper.NewHeContextWithLogN(12)
	require.NoError(t, err)

	// 70*40 weights span two 2048-slot chunks.
	for _, dims := range [][2]int{{6, 5}, {70, 40}} {
		clf, err := models.NewClassifier(dims[0], []int{dims[1]}, 0.1, rand.NewSource(9))
		require.NoError(t, err)
		codes := randomCodes(3, dims[0], 4)

		res, err := RunProbe(he, clf, codes, nil)
		require.NoError(t, err)
		assert.Equal(t, 3, res.Examples)
		require.Len(t, res.Encrypted, 3)
		assert.Less(t, res.MaxAbsDiff, 1e-4, "dims %v", dims)
		assert.InDeltaSlice(t, res.Plain, res.Encrypted, 1e-4)
	}
}

func TestProbeRejectsWrongWidth(t *testing.T) {
	he, err := ckkswrapper.NewHeContextWithLogN(12)
	require.NoError(t, err)
	clf, err := models.NewClassifier(4, []int{3}, 0.1, rand.NewSource(1))
	require.NoError(t, err)
	_, err = RunProbe(he, clf, tensor.New(2, 5), nil)
	assert.Error(t, err)
}
