package nn

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTensorCreation verifies basic tensor operations
func TestTensorCreation(t *testing.T) {
	tensor := NewTensor(3, 4)
	assert.Equal(t, 12, tensor.Size())
	assert.Equal(t, []int{3, 4}, tensor.Shape)

	data := []float32{1, 2, 3, 4, 5, 6}
	tensor2 := FromSlice(data, 2, 3)
	assert.Equal(t, 6, tensor2.Size())
	assert.Equal(t, float32(1), tensor2.Data[0])
	assert.Equal(t, float32(6), tensor2.Data[5])
	assert.Equal(t, 3, tensor2.Dim(-1))
}

// TestTensorClone verifies tensor cloning
func TestTensorClone(t *testing.T) {
	original := FromSlice([]float32{1, 2, 3, 4}, 4)
	clone := original.Clone()

	original.Data[0] = 100
	assert.Equal(t, float32(1), clone.Data[0], "clone was modified when original changed")
}

// TestTensorReshape verifies tensor reshaping
func TestTensorReshape(t *testing.T) {
	tensor := FromSlice([]float32{1, 2, 3, 4, 5, 6}, 6)

	reshaped := tensor.Reshape(2, 3)
	assert.Equal(t, []int{2, 3}, reshaped.Shape)

	inferred := tensor.Reshape(-1, 2)
	assert.Equal(t, []int{3, 2}, inferred.Shape)

	// Reshape shares data
	reshaped.Data[0] = 42
	assert.Equal(t, float32(42), tensor.Data[0])

	err := Try(func() { tensor.Reshape(4, 2) })
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShape))
}

func TestTryPassesThroughSuccess(t *testing.T) {
	var out *Tensor
	err := Try(func() { out = Add(Full(1, 2), Full(2, 2)) })
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 3}, out.Data)
}

func TestTryCatchesIndexPanics(t *testing.T) {
	err := Try(func() {
		var s []float32
		_ = s[3]
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShape)
}

func TestTensorEqual(t *testing.T) {
	a := FromSlice([]float32{1, 2, 3, 4}, 2, 2)
	assert.True(t, a.Equal(a.Clone()))
	assert.False(t, a.Equal(a.Reshape(4)))
	assert.False(t, a.Equal(nil))
	assert.True(t, a.HasShape(2, 2))
}

func TestMaxAbsDiff(t *testing.T) {
	a := FromSlice([]float32{1, 2, 3}, 3)
	b := FromSlice([]float32{1, 2.5, 2}, 3)
	assert.InDelta(t, 1.0, MaxAbsDiff(a, b), 1e-9)

	err := Try(func() { MaxAbsDiff(a, b.Reshape(3, 1)) })
	assert.ErrorIs(t, err, ErrShape)
}

func TestSummarize(t *testing.T) {
	nan := float32(math.NaN())
	s := Summarize(FromSlice([]float32{3, -1, nan, 1, float32(math.Inf(1))}, 5))
	assert.Equal(t, Stats{Min: -1, Max: 3, Mean: 1, NonFinite: 2}, s)
	assert.Equal(t, Stats{}, Summarize(NewTensor(0)))
}
