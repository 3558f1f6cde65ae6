package dgmr

import (
	"fmt"
	"math"

	"github.com/openfluke/nowcast/nn"
)

// DCTTransform is a fixed orthonormal 2-D DCT-II over non-overlapping
// Block x Block tiles. Forward maps (N, 1, H, W) to (N, Block², H/Block,
// W/Block) with coefficient (u, v) in channel u*Block+v; Inverse undoes it.
// The filters are built once and are not trainable parameters.
type DCTTransform struct {
	Block int

	forward *nn.Tensor // [b², 1, b, b]
	inverse *nn.Tensor // [b², b², 1, 1]
}

// NewDCTTransform builds the basis filters for the given block size.
func NewDCTTransform(block int) (*DCTTransform, error) {
	if block < 1 {
		return nil, fmt.Errorf("%w: dct block size %d", ErrInvalidConfig, block)
	}
	b := block
	n := b * b

	basis := func(k, pos int) float64 {
		alpha := math.Sqrt(2 / float64(b))
		if k == 0 {
			alpha = math.Sqrt(1 / float64(b))
		}
		return alpha * math.Cos(math.Pi*float64(2*pos+1)*float64(k)/float64(2*b))
	}

	fwd := nn.NewTensor(n, 1, b, b)
	inv := nn.NewTensor(n, n, 1, 1)
	for u := 0; u < b; u++ {
		for v := 0; v < b; v++ {
			coef := u*b + v
			for y := 0; y < b; y++ {
				for x := 0; x < b; x++ {
					val := float32(basis(u, y) * basis(v, x))
					pixel := y*b + x
					fwd.Data[coef*b*b+pixel] = val
					// inverse weight [out=pixel, in=coef]
					inv.Data[pixel*n+coef] = val
				}
			}
		}
	}
	return &DCTTransform{Block: b, forward: fwd, inverse: inv}, nil
}

// Forward transforms single-channel frames into block coefficients.
func (d *DCTTransform) Forward(x *nn.Tensor) (*nn.Tensor, error) {
	var out *nn.Tensor
	err := nn.Try(func() {
		if x.Rank() != 4 || x.Dim(1) != 1 || x.Dim(2)%d.Block != 0 || x.Dim(3)%d.Block != 0 {
			panicShape("dct: expected [n 1 h w] with h, w divisible by %d, got %v", d.Block, x.Shape)
		}
		out = nn.Conv2D(x, d.forward, nil, d.Block, 0)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Inverse maps block coefficients back to single-channel frames.
func (d *DCTTransform) Inverse(coef *nn.Tensor) (*nn.Tensor, error) {
	var out *nn.Tensor
	err := nn.Try(func() {
		// Each output pixel of a tile is a weighted sum of that tile's
		// coefficients; DepthToSpace scatters the b² pixels into place.
		pixels := nn.Conv2D(coef, d.inverse, nil, 1, 0)
		out = nn.DepthToSpace(pixels, d.Block)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
