package nn

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/goccy/go-json"
)

// TensorWithShape is a named tensor as stored in a safetensors file.
// Values are always held as float32 in memory; DType selects the on-disk
// encoding when writing and records the source encoding when reading.
type TensorWithShape struct {
	DType  string
	Shape  []int
	Values []float32
}

// TensorInfo describes a tensor's properties
type TensorInfo struct {
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset []int  `json:"data_offsets"`
}

// LoadSafetensors reads a safetensors file and returns tensors by name
func LoadSafetensors(filepath string) (map[string]TensorWithShape, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return LoadSafetensorsFromBytes(data)
}

// LoadSafetensorsFromBytes reads safetensors data from a byte slice and returns tensors by name
func LoadSafetensorsFromBytes(data []byte) (map[string]TensorWithShape, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("data too short: need at least 8 bytes for header size")
	}

	// Read header size (first 8 bytes, little-endian)
	headerSize := binary.LittleEndian.Uint64(data[0:8])
	if headerSize > uint64(len(data)-8) {
		return nil, fmt.Errorf("data too short: header size %d but only %d bytes available", headerSize, len(data)-8)
	}

	// Parse header
	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &rawHeader); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	// Tensor data starts after header
	allData := data[8+headerSize:]

	tensors := make(map[string]TensorWithShape, len(rawHeader))
	for name, raw := range rawHeader {
		if name == "__metadata__" {
			continue
		}

		var info TensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, fmt.Errorf("tensor %s: bad header entry: %w", name, err)
		}
		if len(info.Offset) != 2 {
			return nil, fmt.Errorf("tensor %s: data_offsets must have 2 entries", name)
		}

		bytesPerElement := getBytesPerElement(info.DType)
		if info.DType != "F32" && info.DType != "F16" && info.DType != "BF16" {
			return nil, fmt.Errorf("tensor %s: unsupported dtype %s", name, info.DType)
		}

		numElements, ok := headerElements(info.Shape, len(allData)/bytesPerElement)
		if !ok {
			return nil, fmt.Errorf("tensor %s: bad shape %v", name, info.Shape)
		}
		start, end := info.Offset[0], info.Offset[1]
		if start < 0 || start > end || end > len(allData) || end-start != numElements*bytesPerElement {
			return nil, fmt.Errorf("tensor %s: data out of bounds", name)
		}
		raw := allData[start:end]

		// Convert to float32
		values := make([]float32, numElements)
		switch info.DType {
		case "F32":
			for i := range values {
				values[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
			}
		case "F16":
			for i := range values {
				values[i] = float16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
			}
		case "BF16":
			for i := range values {
				values[i] = bfloat16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
			}
		}

		tensors[name] = TensorWithShape{DType: info.DType, Shape: info.Shape, Values: values}
	}

	return tensors, nil
}

// headerElements multiplies out a header shape. It fails on negative
// dimensions and on counts above limit, so the product cannot overflow.
func headerElements(shape []int, limit int) (int, bool) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, false
		}
		if d == 0 {
			n = 0
			continue
		}
		if n > limit/d {
			return 0, false
		}
		n *= d
	}
	return n, true
}

// float16ToFloat32 converts a float16 (half precision) to float32
func float16ToFloat32(f16 uint16) float32 {
	sign := uint32((f16 >> 15) & 0x1)
	exponent := uint32((f16 >> 10) & 0x1F)
	mantissa := uint32(f16 & 0x3FF)

	var f32bits uint32
	if exponent == 0 {
		if mantissa == 0 {
			// Zero
			f32bits = sign << 31
		} else {
			// Subnormal
			exponent = 1
			for (mantissa & 0x400) == 0 {
				mantissa <<= 1
				exponent--
			}
			mantissa &= 0x3FF
			f32bits = (sign << 31) | ((exponent + (127 - 15)) << 23) | (mantissa << 13)
		}
	} else if exponent == 0x1F {
		// Inf or NaN
		f32bits = (sign << 31) | (0xFF << 23) | (mantissa << 13)
	} else {
		// Normal
		f32bits = (sign << 31) | ((exponent + (127 - 15)) << 23) | (mantissa << 13)
	}

	return math.Float32frombits(f32bits)
}

// bfloat16ToFloat32 converts a bfloat16 to float32
func bfloat16ToFloat32(bf16 uint16) float32 {
	// bfloat16 is just the top 16 bits of float32
	return math.Float32frombits(uint32(bf16) << 16)
}
