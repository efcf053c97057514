package nn

import (
	"fmt"

	"github.com/23skdu/longbow-kge/internal/device"
	"github.com/23skdu/longbow-kge/internal/simd"
	"github.com/23skdu/longbow-kge/internal/tensor"
)

// Linear implements y = x @ W.T + b.
//
// Input:  [batch, in_features]
// Weight: [out_features, in_features]
// Bias:   [out_features] or nil
// Output: [batch, out_features]
type Linear struct {
	Weight  *tensor.Tensor
	Bias    *tensor.Tensor
	backend device.Backend
}

// NewLinear creates a linear layer from existing parameters.
func NewLinear(weight, bias *tensor.Tensor, backend device.Backend) (*Linear, error) {
	if weight.Rank() != 2 {
		return nil, fmt.Errorf("%w: linear weight must be 2D, got %v", tensor.ErrShapeMismatch, weight.Shape())
	}
	if bias != nil && (bias.Rank() != 1 || bias.Dim(0) != weight.Dim(0)) {
		return nil, fmt.Errorf("%w: linear bias %v for weight %v", tensor.ErrShapeMismatch, bias.Shape(), weight.Shape())
	}
	return &Linear{Weight: weight, Bias: bias, backend: backend}, nil
}

func (l *Linear) InFeatures() int  { return l.Weight.Dim(1) }
func (l *Linear) OutFeatures() int { return l.Weight.Dim(0) }

func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() != 2 || x.Dim(1) != l.InFeatures() {
		return nil, fmt.Errorf("%w: linear expects [N, %d], got %v", tensor.ErrShapeMismatch, l.InFeatures(), x.Shape())
	}
	n, out := x.Dim(0), l.OutFeatures()
	y, err := tensor.Zeros(n, out)
	if err != nil {
		return nil, err
	}
	if err := l.backend.Gemm(false, true, n, out, l.InFeatures(), x.Data(), l.Weight.Data(), y.Data()); err != nil {
		return nil, fmt.Errorf("linear: %w", err)
	}
	if l.Bias != nil {
		data := y.Data()
		for i := 0; i < n; i++ {
			simd.VecAdd(data[i*out:(i+1)*out], l.Bias.Data())
		}
	}
	return y, nil
}

func (l *Linear) String() string {
	return fmt.Sprintf("Linear(in_features=%d, out_features=%d, bias=%v)", l.InFeatures(), l.OutFeatures(), l.Bias != nil)
}
