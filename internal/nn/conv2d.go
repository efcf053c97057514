package nn

import (
	"fmt"

	"github.com/23skdu/longbow-kge/internal/device"
	"github.com/23skdu/longbow-kge/internal/tensor"
)

// Conv2D is a 2D convolutional layer.
//
// Input shape:  [batch, in_channels, height, width]
// Weight shape: [out_channels, in_channels, kernel_h, kernel_w]
// Bias shape:   [out_channels] or nil
// Output shape: [batch, out_channels, out_h, out_w]
//
// Where:
//
//	out_h = (height + 2*padding - kernel_h) / stride + 1
//	out_w = (width + 2*padding - kernel_w) / stride + 1
type Conv2D struct {
	Weight  *tensor.Tensor
	Bias    *tensor.Tensor
	Stride  int
	Padding int
	backend device.Backend
}

// NewConv2D creates a convolution from existing parameters.
func NewConv2D(weight, bias *tensor.Tensor, stride, padding int, backend device.Backend) (*Conv2D, error) {
	if weight.Rank() != 4 {
		return nil, fmt.Errorf("%w: conv2d weight must be 4D [C_out,C_in,K_h,K_w], got %v", tensor.ErrShapeMismatch, weight.Shape())
	}
	if bias != nil && (bias.Rank() != 1 || bias.Dim(0) != weight.Dim(0)) {
		return nil, fmt.Errorf("%w: conv2d bias %v for weight %v", tensor.ErrShapeMismatch, bias.Shape(), weight.Shape())
	}
	if stride <= 0 || padding < 0 {
		return nil, fmt.Errorf("conv2d: invalid stride %d or padding %d", stride, padding)
	}
	return &Conv2D{Weight: weight, Bias: bias, Stride: stride, Padding: padding, backend: backend}, nil
}

func (c *Conv2D) InChannels() int  { return c.Weight.Dim(1) }
func (c *Conv2D) OutChannels() int { return c.Weight.Dim(0) }

// OutputSize computes output spatial dimensions for an input size.
func (c *Conv2D) OutputSize(h, w int) (int, int) {
	outH := (h+2*c.Padding-c.Weight.Dim(2))/c.Stride + 1
	outW := (w+2*c.Padding-c.Weight.Dim(3))/c.Stride + 1
	return outH, outW
}

// Forward convolves via im2col: every output position becomes one row of a
// column buffer and the kernel is applied with a single GEMM per sample.
func (c *Conv2D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 4 {
		return nil, fmt.Errorf("%w: conv2d expects 4D input [N,C,H,W], got %v", tensor.ErrShapeMismatch, x.Shape())
	}
	n, cIn, h, w := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	if cIn != c.InChannels() {
		return nil, fmt.Errorf("%w: conv2d input channels %d != %d", tensor.ErrShapeMismatch, cIn, c.InChannels())
	}
	kh, kw := c.Weight.Dim(2), c.Weight.Dim(3)
	hOut, wOut := c.OutputSize(h, w)
	if hOut <= 0 || wOut <= 0 {
		return nil, fmt.Errorf("%w: conv2d kernel %dx%d larger than input %dx%d", tensor.ErrShapeMismatch, kh, kw, h, w)
	}
	cOut := c.OutChannels()

	y, err := tensor.Zeros(n, cOut, hOut, wOut)
	if err != nil {
		return nil, err
	}

	colWidth := cIn * kh * kw
	positions := hOut * wOut
	col := c.backend.GetBuffer(positions * colWidth)
	defer c.backend.PutBuffer(col)

	in, out := x.Data(), y.Data()
	for s := 0; s < n; s++ {
		im2col(col, in[s*cIn*h*w:(s+1)*cIn*h*w], cIn, h, w, kh, kw, hOut, wOut, c.Stride, c.Padding)
		dst := out[s*cOut*positions : (s+1)*cOut*positions]
		// [C_out, C_in*K_h*K_w] @ [positions, C_in*K_h*K_w]^T -> [C_out, positions]
		if err := c.backend.Gemm(false, true, cOut, positions, colWidth, c.Weight.Data(), col, dst); err != nil {
			return nil, fmt.Errorf("conv2d: %w", err)
		}
		if c.Bias != nil {
			for ch, b := range c.Bias.Data() {
				plane := dst[ch*positions : (ch+1)*positions]
				for i := range plane {
					plane[i] += b
				}
			}
		}
	}
	return y, nil
}

// im2col writes one row per output position of a single [C, H, W] sample.
func im2col(col, in []float64, cIn, h, w, kh, kw, hOut, wOut, stride, padding int) {
	idx := 0
	for oh := 0; oh < hOut; oh++ {
		for ow := 0; ow < wOut; ow++ {
			hStart := oh*stride - padding
			wStart := ow*stride - padding
			for ch := 0; ch < cIn; ch++ {
				for i := 0; i < kh; i++ {
					for j := 0; j < kw; j++ {
						y, x := hStart+i, wStart+j
						if y >= 0 && y < h && x >= 0 && x < w {
							col[idx] = in[ch*h*w+y*w+x]
						} else {
							col[idx] = 0
						}
						idx++
					}
				}
			}
		}
	}
}

func (c *Conv2D) String() string {
	return fmt.Sprintf("Conv2D(in_channels=%d, out_channels=%d, kernel_size=(%d, %d), stride=%d, padding=%d, bias=%v)",
		c.InChannels(), c.OutChannels(), c.Weight.Dim(2), c.Weight.Dim(3), c.Stride, c.Padding, c.Bias != nil)
}
