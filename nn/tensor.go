package nn

import (
	"fmt"
	"slices"
)

// Tensor is a dense row-major float32 array.
// Feature maps use NCHW layout: [batch][channels][height][width].
// Sequences of feature maps use [batch][time][channels][height][width].
type Tensor struct {
	Shape []int
	Data  []float32
}

// NewTensor allocates a zero-filled tensor with the given shape.
func NewTensor(shape ...int) *Tensor {
	n := 1
	for _, d := range shape {
		if d < 0 {
			shapePanicf("negative dimension in shape %v", shape)
		}
		n *= d
	}
	return &Tensor{Shape: slices.Clone(shape), Data: make([]float32, n)}
}

// FromSlice wraps data in a tensor of the given shape without copying.
func FromSlice(data []float32, shape ...int) *Tensor {
	if numel(shape) != len(data) {
		shapePanicf("cannot view %d values as shape %v", len(data), shape)
	}
	return &Tensor{Shape: slices.Clone(shape), Data: data}
}

// Full returns a tensor of the given shape filled with v.
func Full(v float32, shape ...int) *Tensor {
	t := NewTensor(shape...)
	t.Fill(v)
	return t
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Size returns the number of elements.
func (t *Tensor) Size() int {
	return len(t.Data)
}

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// Dim returns the size of axis i. Negative indices count from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	if i < 0 || i >= len(t.Shape) {
		shapePanicf("axis %d out of range for shape %v", i, t.Shape)
	}
	return t.Shape[i]
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float32) {
	for i := range t.Data {
		t.Data[i] = v
	}
}

// Reshape returns a view sharing the same data with a new shape.
// One dimension may be -1, in which case it is inferred.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	shape = slices.Clone(shape)
	infer := -1
	known := 1
	for i, d := range shape {
		if d == -1 {
			if infer >= 0 {
				shapePanicf("reshape %v: more than one inferred dimension", shape)
			}
			infer = i
			continue
		}
		known *= d
	}
	if infer >= 0 {
		if known == 0 || len(t.Data)%known != 0 {
			shapePanicf("reshape %v -> %v: size %d not divisible", t.Shape, shape, len(t.Data))
		}
		shape[infer] = len(t.Data) / known
	}
	if numel(shape) != len(t.Data) {
		shapePanicf("reshape %v -> %v: element count mismatch", t.Shape, shape)
	}
	return &Tensor{Shape: shape, Data: t.Data}
}

// HasShape reports whether the tensor has exactly the given shape.
func (t *Tensor) HasShape(shape ...int) bool {
	return slices.Equal(t.Shape, shape)
}

// Equal reports whether two tensors have the same shape and bit-identical values.
func (t *Tensor) Equal(o *Tensor) bool {
	if o == nil || !slices.Equal(t.Shape, o.Shape) {
		return false
	}
	return slices.Equal(t.Data, o.Data)
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", t.Shape)
}

// dims4 unpacks an NCHW tensor, panicking if the rank is not 4.
func (t *Tensor) dims4(op string) (n, c, h, w int) {
	if len(t.Shape) != 4 {
		shapePanicf("%s: expected NCHW tensor, got shape %v", op, t.Shape)
	}
	return t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
}
