package nn

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/23skdu/longbow-kge/internal/tensor"
)

// Dropout zeroes elements with probability P in training mode and scales the
// survivors by 1/(1-P). In eval mode it is the identity.
//
// With Channelwise set, whole [H, W] feature maps of a [N, C, H, W] input are
// dropped together.
type Dropout struct {
	P           float64
	Channelwise bool
	Mode        *Mode

	mu  sync.Mutex
	rng *rand.Rand
}

// NewDropout creates a dropout layer with a seeded generator.
func NewDropout(p float64, channelwise bool, mode *Mode, seed uint64) (*Dropout, error) {
	if p < 0 || p > 1 {
		return nil, fmt.Errorf("dropout probability must be in [0, 1], got %g", p)
	}
	return &Dropout{
		P:           p,
		Channelwise: channelwise,
		Mode:        mode,
		rng:         rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}, nil
}

func (d *Dropout) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if !d.Mode.Training() || d.P == 0 {
		return x, nil
	}
	y := x.Clone()
	data := y.Data()
	if d.P == 1 {
		clear(data)
		return y, nil
	}
	group := 1
	if d.Channelwise {
		if x.Rank() < 3 {
			return nil, fmt.Errorf("%w: channelwise dropout expects [N, C, ...], got %v", tensor.ErrShapeMismatch, x.Shape())
		}
		group = x.Len() / (x.Dim(0) * x.Dim(1))
	}
	keep := 1 / (1 - d.P)

	d.mu.Lock()
	defer d.mu.Unlock()
	for start := 0; start < len(data); start += group {
		block := data[start : start+group]
		if d.rng.Float64() < d.P {
			clear(block)
			continue
		}
		for i := range block {
			block[i] *= keep
		}
	}
	return y, nil
}

func (d *Dropout) String() string {
	if d.Channelwise {
		return fmt.Sprintf("Dropout2d(p=%g)", d.P)
	}
	return fmt.Sprintf("Dropout(p=%g)", d.P)
}
