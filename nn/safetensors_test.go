package nn

import (
	"encoding/binary"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafetensorsRoundTrip(t *testing.T) {
	in := map[string]TensorWithShape{
		"a.weight": {DType: "F32", Shape: []int{2, 2}, Values: []float32{1, -2, 3.5, 1e-7}},
		"b.bias":   {DType: "F32", Shape: []int{3}, Values: []float32{0, 1, 2}},
	}
	data, err := SerializeSafetensors(in)
	require.NoError(t, err)

	out, err := LoadSafetensorsFromBytes(data)
	require.NoError(t, err)
	require.Len(t, out, 2)
	for name, want := range in {
		got := out[name]
		assert.Equal(t, want.Shape, got.Shape, name)
		assert.Equal(t, want.Values, got.Values, name)
	}
}

func TestSafetensorsHalfPrecision(t *testing.T) {
	values := []float32{0, 1, -2, 0.5, 65504, 3.140625}
	for _, dtype := range []string{"F16", "BF16"} {
		data, err := SerializeSafetensors(map[string]TensorWithShape{
			"x": {DType: dtype, Shape: []int{len(values)}, Values: values},
		})
		require.NoError(t, err)

		out, err := LoadSafetensorsFromBytes(data)
		require.NoError(t, err)
		got := out["x"]
		assert.Equal(t, dtype, got.DType)
		for i, v := range values {
			assert.InEpsilon(t, float64(v)+1e-9, float64(got.Values[i])+1e-9, 1e-2, "%s[%d]", dtype, i)
		}
	}
}

func TestFloat16Specials(t *testing.T) {
	assert.True(t, math.IsInf(float64(float16ToFloat32(float32ToFloat16(1e9))), 1))
	assert.True(t, math.IsNaN(float64(float16ToFloat32(float32ToFloat16(float32(math.NaN()))))))
	// smallest half subnormal
	assert.Equal(t, float32(math.Ldexp(1, -24)), float16ToFloat32(float32ToFloat16(float32(math.Ldexp(1, -24)))))
}

func TestSafetensorsRejectsTruncatedData(t *testing.T) {
	data, err := SerializeSafetensors(map[string]TensorWithShape{
		"x": {DType: "F32", Shape: []int{4}, Values: []float32{1, 2, 3, 4}},
	})
	require.NoError(t, err)

	_, err = LoadSafetensorsFromBytes(data[:len(data)-4])
	assert.Error(t, err)

	_, err = LoadSafetensorsFromBytes(data[:4])
	assert.Error(t, err)
}

func rawSafetensors(header string, payload int) []byte {
	data := make([]byte, 8+len(header)+payload)
	binary.LittleEndian.PutUint64(data, uint64(len(header)))
	copy(data[8:], header)
	return data
}

func TestSafetensorsRejectsCorruptHeaders(t *testing.T) {
	tests := map[string]string{
		"negative dim":      `{"x":{"dtype":"F32","shape":[-1],"data_offsets":[4,0]}}`,
		"negative pair":     `{"x":{"dtype":"F32","shape":[-1,-2],"data_offsets":[0,8]}}`,
		"reversed offsets":  `{"x":{"dtype":"F32","shape":[1],"data_offsets":[8,4]}}`,
		"overflowing shape": `{"x":{"dtype":"F32","shape":[4611686018427387904,4],"data_offsets":[0,0]}}`,
		"past the end":      `{"x":{"dtype":"F32","shape":[4],"data_offsets":[0,16]}}`,
		"unknown dtype":     `{"x":{"dtype":"I8","shape":[1],"data_offsets":[0,1]}}`,
	}
	for name, header := range tests {
		t.Run(name, func(t *testing.T) {
			var err error
			require.NotPanics(t, func() { _, err = LoadSafetensorsFromBytes(rawSafetensors(header, 8)) })
			assert.Error(t, err)
		})
	}
}

func TestSafetensorsRejectsShapeValueMismatch(t *testing.T) {
	_, err := SerializeSafetensors(map[string]TensorWithShape{
		"x": {DType: "F32", Shape: []int{3}, Values: []float32{1, 2}},
	})
	assert.Error(t, err)
}

func TestParamSetSafetensorsFile(t *testing.T) {
	src := NewParamSet()
	src.Add("w", FromSlice([]float32{1, 2, 3, 4}, 2, 2))
	path := filepath.Join(t.TempDir(), "weights.safetensors")
	require.NoError(t, src.SaveWeightsToSafetensors(path))

	dst := NewParamSet()
	w := NewTensor(2, 2)
	dst.Add("w", w)
	require.NoError(t, dst.LoadWeightsFromSafetensors(path))
	assert.Equal(t, []float32{1, 2, 3, 4}, w.Data)
	assert.Equal(t, 4, dst.Count())
	assert.Equal(t, 1, dst.Len())
}
