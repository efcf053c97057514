package nn

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-kge/internal/tensor"
)

// DefaultBatchNormEps matches the usual framework default.
const DefaultBatchNormEps = 1e-5

// BatchNorm normalizes over axis 1 of a [N, C, ...] input.
//
// In training mode the statistics come from the current batch; in eval mode
// the running statistics are used. Running statistics are never updated by
// Forward.
type BatchNorm struct {
	Gamma       *tensor.Tensor
	Beta        *tensor.Tensor
	RunningMean *tensor.Tensor
	RunningVar  *tensor.Tensor
	Eps         float64
	Mode        *Mode
}

// NewBatchNorm returns a batch norm over channels features with unit scale,
// zero shift, zero running mean and unit running variance.
func NewBatchNorm(channels int, mode *Mode) (*BatchNorm, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("%w: batch norm channels %d", tensor.ErrShapeMismatch, channels)
	}
	gamma, _ := tensor.Ones(channels)
	beta, _ := tensor.Zeros(channels)
	mean, _ := tensor.Zeros(channels)
	variance, _ := tensor.Ones(channels)
	return &BatchNorm{
		Gamma:       gamma,
		Beta:        beta,
		RunningMean: mean,
		RunningVar:  variance,
		Eps:         DefaultBatchNormEps,
		Mode:        mode,
	}, nil
}

func (bn *BatchNorm) Channels() int { return bn.Gamma.Dim(0) }

func (bn *BatchNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() < 2 || x.Dim(1) != bn.Channels() {
		return nil, fmt.Errorf("%w: batch norm over %d channels got %v", tensor.ErrShapeMismatch, bn.Channels(), x.Shape())
	}
	n, c := x.Dim(0), x.Dim(1)
	inner := x.Len() / (n * c)
	in := x.Data()
	y := x.Clone()
	out := y.Data()

	training := bn.Mode.Training()
	gamma, beta := bn.Gamma.Data(), bn.Beta.Data()
	values := make([]float64, 0, n*inner)

	for ch := 0; ch < c; ch++ {
		var mean, variance float64
		if training {
			values = values[:0]
			for s := 0; s < n; s++ {
				base := (s*c + ch) * inner
				values = append(values, in[base:base+inner]...)
			}
			mean, variance = stat.PopMeanVariance(values, nil)
		} else {
			mean, variance = bn.RunningMean.Data()[ch], bn.RunningVar.Data()[ch]
		}
		scale := gamma[ch] / math.Sqrt(variance+bn.Eps)
		for s := 0; s < n; s++ {
			base := (s*c + ch) * inner
			plane := out[base : base+inner]
			for i, v := range plane {
				plane[i] = (v-mean)*scale + beta[ch]
			}
		}
	}
	return y, nil
}

func (bn *BatchNorm) String() string {
	return fmt.Sprintf("BatchNorm(%d, eps=%g)", bn.Channels(), bn.Eps)
}
