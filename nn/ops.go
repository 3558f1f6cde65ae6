package nn

import (
	"slices"
)

// Add returns a + b element-wise. Shapes must match.
func Add(a, b *Tensor) *Tensor {
	sameShape("add", a, b)
	out := NewTensor(a.Shape...)
	for i := range a.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return out
}

// Mul returns a * b element-wise. Shapes must match.
func Mul(a, b *Tensor) *Tensor {
	sameShape("mul", a, b)
	out := NewTensor(a.Shape...)
	for i := range a.Data {
		out.Data[i] = a.Data[i] * b.Data[i]
	}
	return out
}

// Scale returns s * x.
func Scale(x *Tensor, s float32) *Tensor {
	out := NewTensor(x.Shape...)
	for i, v := range x.Data {
		out.Data[i] = v * s
	}
	return out
}

// GRUBlend computes z*h + (1-z)*c element-wise, the convex update used by
// gated recurrent units.
func GRUBlend(z, h, c *Tensor) *Tensor {
	sameShape("gru blend", z, h)
	sameShape("gru blend", z, c)
	out := NewTensor(z.Shape...)
	for i, zv := range z.Data {
		out.Data[i] = zv*h.Data[i] + (1-zv)*c.Data[i]
	}
	return out
}

func sameShape(op string, a, b *Tensor) {
	if !slices.Equal(a.Shape, b.Shape) {
		shapePanicf("%s: shape %v vs %v", op, a.Shape, b.Shape)
	}
}

// Concat joins tensors along axis. All other dimensions must match.
func Concat(axis int, ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		shapePanicf("concat: no inputs")
	}
	rank := ts[0].Rank()
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		shapePanicf("concat: axis %d out of range for rank %d", axis, rank)
	}

	outShape := slices.Clone(ts[0].Shape)
	outShape[axis] = 0
	for _, t := range ts {
		if t.Rank() != rank {
			shapePanicf("concat: rank %d vs %d", t.Rank(), rank)
		}
		for d := 0; d < rank; d++ {
			if d != axis && t.Shape[d] != ts[0].Shape[d] {
				shapePanicf("concat along %d: shape %v vs %v", axis, t.Shape, ts[0].Shape)
			}
		}
		outShape[axis] += t.Shape[axis]
	}

	// outer = product of dims before axis, inner = product after
	outer := numel(outShape[:axis])
	inner := numel(outShape[axis+1:])
	out := NewTensor(outShape...)

	offset := 0
	for o := 0; o < outer; o++ {
		for _, t := range ts {
			chunk := t.Shape[axis] * inner
			copy(out.Data[offset:offset+chunk], t.Data[o*chunk:(o+1)*chunk])
			offset += chunk
		}
	}
	return out
}

// ConcatChannels joins NCHW tensors along the channel axis.
func ConcatChannels(ts ...*Tensor) *Tensor {
	for _, t := range ts {
		t.dims4("concat channels")
	}
	return Concat(1, ts...)
}

// Stack joins same-shaped tensors along a new axis.
func Stack(axis int, ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		shapePanicf("stack: no inputs")
	}
	base := ts[0].Shape
	if axis < 0 {
		axis += len(base) + 1
	}
	if axis < 0 || axis > len(base) {
		shapePanicf("stack: axis %d out of range for rank %d", axis, len(base))
	}
	expanded := make([]*Tensor, len(ts))
	for i, t := range ts {
		if !slices.Equal(t.Shape, base) {
			shapePanicf("stack: shape %v vs %v", t.Shape, base)
		}
		shape := slices.Insert(slices.Clone(t.Shape), axis, 1)
		expanded[i] = &Tensor{Shape: shape, Data: t.Data}
	}
	return Concat(axis, expanded...)
}

// Select returns index i of axis as a new tensor with that axis removed.
func Select(x *Tensor, axis, i int) *Tensor {
	if axis < 0 {
		axis += x.Rank()
	}
	if axis < 0 || axis >= x.Rank() {
		shapePanicf("select: axis %d out of range for shape %v", axis, x.Shape)
	}
	if i < 0 || i >= x.Shape[axis] {
		shapePanicf("select: index %d out of range for axis %d of %v", i, axis, x.Shape)
	}
	outer := numel(x.Shape[:axis])
	inner := numel(x.Shape[axis+1:])
	n := x.Shape[axis]

	outShape := slices.Delete(slices.Clone(x.Shape), axis, axis+1)
	out := NewTensor(outShape...)
	for o := 0; o < outer; o++ {
		src := (o*n + i) * inner
		copy(out.Data[o*inner:(o+1)*inner], x.Data[src:src+inner])
	}
	return out
}

// Unstack splits x along axis into x.Shape[axis] tensors.
func Unstack(x *Tensor, axis int) []*Tensor {
	if axis < 0 {
		axis += x.Rank()
	}
	n := x.Dim(axis)
	out := make([]*Tensor, n)
	for i := 0; i < n; i++ {
		out[i] = Select(x, axis, i)
	}
	return out
}

// Unsqueeze inserts a size-1 axis at position axis. The result shares data.
func Unsqueeze(x *Tensor, axis int) *Tensor {
	if axis < 0 {
		axis += x.Rank() + 1
	}
	if axis < 0 || axis > x.Rank() {
		shapePanicf("unsqueeze: axis %d out of range for shape %v", axis, x.Shape)
	}
	return &Tensor{Shape: slices.Insert(slices.Clone(x.Shape), axis, 1), Data: x.Data}
}

// RepeatBatch tiles the whole batch n times along axis 0: [b, ...] -> [n*b, ...].
// Entry j of the result is entry j % b of the input.
func RepeatBatch(x *Tensor, n int) *Tensor {
	if n < 1 {
		shapePanicf("repeat batch: factor %d", n)
	}
	if n == 1 {
		return x
	}
	shape := slices.Clone(x.Shape)
	shape[0] *= n
	out := NewTensor(shape...)
	for r := 0; r < n; r++ {
		copy(out.Data[r*len(x.Data):], x.Data)
	}
	return out
}

// UpsampleNearest2x doubles height and width by nearest-neighbour replication.
func UpsampleNearest2x(x *Tensor) *Tensor {
	n, c, h, w := x.dims4("upsample")
	oh, ow := h*2, w*2
	out := NewTensor(n, c, oh, ow)
	for p := 0; p < n*c; p++ {
		src := x.Data[p*h*w : (p+1)*h*w]
		dst := out.Data[p*oh*ow : (p+1)*oh*ow]
		for y := 0; y < oh; y++ {
			srow := src[(y/2)*w : (y/2+1)*w]
			drow := dst[y*ow : (y+1)*ow]
			for xx := 0; xx < ow; xx++ {
				drow[xx] = srow[xx/2]
			}
		}
	}
	return out
}

// AvgPool2x applies 2x2 average pooling with stride 2. Odd trailing rows and
// columns are dropped.
func AvgPool2x(x *Tensor) *Tensor {
	n, c, h, w := x.dims4("avgpool")
	oh, ow := h/2, w/2
	if oh == 0 || ow == 0 {
		shapePanicf("avgpool: input %v too small", x.Shape)
	}
	out := NewTensor(n, c, oh, ow)
	for p := 0; p < n*c; p++ {
		src := x.Data[p*h*w : (p+1)*h*w]
		dst := out.Data[p*oh*ow : (p+1)*oh*ow]
		for y := 0; y < oh; y++ {
			r0 := src[(2*y)*w:]
			r1 := src[(2*y+1)*w:]
			for xx := 0; xx < ow; xx++ {
				dst[y*ow+xx] = 0.25 * (r0[2*xx] + r0[2*xx+1] + r1[2*xx] + r1[2*xx+1])
			}
		}
	}
	return out
}

// DepthToSpace rearranges [n, c*r*r, h, w] into [n, c, h*r, w*r] (pixel shuffle).
// out[n, c, y*r+i, x*r+j] = in[n, c*r*r + i*r + j, y, x]
func DepthToSpace(x *Tensor, r int) *Tensor {
	n, cin, h, w := x.dims4("depth to space")
	if r < 1 || cin%(r*r) != 0 {
		shapePanicf("depth to space: %d channels not divisible by %d", cin, r*r)
	}
	c := cin / (r * r)
	oh, ow := h*r, w*r
	out := NewTensor(n, c, oh, ow)
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			dst := out.Data[(b*c+ch)*oh*ow:]
			for i := 0; i < r; i++ {
				for j := 0; j < r; j++ {
					src := x.Data[(b*cin+ch*r*r+i*r+j)*h*w:]
					for y := 0; y < h; y++ {
						for xx := 0; xx < w; xx++ {
							dst[(y*r+i)*ow+xx*r+j] = src[y*w+xx]
						}
					}
				}
			}
		}
	}
	return out
}

// SpaceToDepth is the inverse of DepthToSpace: [n, c, h*r, w*r] -> [n, c*r*r, h, w].
func SpaceToDepth(x *Tensor, r int) *Tensor {
	n, c, ih, iw := x.dims4("space to depth")
	if r < 1 || ih%r != 0 || iw%r != 0 {
		shapePanicf("space to depth: %dx%d not divisible by %d", ih, iw, r)
	}
	h, w := ih/r, iw/r
	cout := c * r * r
	out := NewTensor(n, cout, h, w)
	for b := 0; b < n; b++ {
		for ch := 0; ch < c; ch++ {
			src := x.Data[(b*c+ch)*ih*iw:]
			for i := 0; i < r; i++ {
				for j := 0; j < r; j++ {
					dst := out.Data[(b*cout+ch*r*r+i*r+j)*h*w:]
					for y := 0; y < h; y++ {
						for xx := 0; xx < w; xx++ {
							dst[y*w+xx] = src[(y*r+i)*iw+xx*r+j]
						}
					}
				}
			}
		}
	}
	return out
}

// MergeTimeIntoChannels folds [b, t, c, h, w] into [b, c*t, h, w] with
// channel index ch*t + step, so the timesteps of one feature stay adjacent.
func MergeTimeIntoChannels(x *Tensor) *Tensor {
	if x.Rank() != 5 {
		shapePanicf("merge time: expected [b t c h w], got %v", x.Shape)
	}
	b, t, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3], x.Shape[4]
	plane := h * w
	out := NewTensor(b, c*t, h, w)
	for bi := 0; bi < b; bi++ {
		for ti := 0; ti < t; ti++ {
			for ch := 0; ch < c; ch++ {
				src := x.Data[(((bi*t+ti)*c)+ch)*plane:]
				dst := out.Data[((bi*c*t)+ch*t+ti)*plane:]
				copy(dst[:plane], src[:plane])
			}
		}
	}
	return out
}

// MatMul multiplies a [m, k] by b [k, n].
func MatMul(a, b *Tensor) *Tensor {
	if a.Rank() != 2 || b.Rank() != 2 || a.Shape[1] != b.Shape[0] {
		shapePanicf("matmul: %v x %v", a.Shape, b.Shape)
	}
	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
	out := NewTensor(m, n)
	for i := 0; i < m; i++ {
		row := out.Data[i*n : (i+1)*n]
		for p := 0; p < k; p++ {
			av := a.Data[i*k+p]
			brow := b.Data[p*n : (p+1)*n]
			for j := range row {
				row[j] += av * brow[j]
			}
		}
	}
	return out
}

// Transpose2D returns the transpose of a rank-2 tensor.
func Transpose2D(x *Tensor) *Tensor {
	if x.Rank() != 2 {
		shapePanicf("transpose: expected rank 2, got %v", x.Shape)
	}
	m, n := x.Shape[0], x.Shape[1]
	out := NewTensor(n, m)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out.Data[j*m+i] = x.Data[i*n+j]
		}
	}
	return out
}
