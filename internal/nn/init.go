package nn

import (
	"math"
	"math/rand/v2"

	"github.com/23skdu/longbow-kge/internal/tensor"
)

// Xavier fills a tensor from U(-sqrt(6/(fanIn+fanOut)), sqrt(6/(fanIn+fanOut))).
func Xavier(rng *rand.Rand, fanIn, fanOut int, dims ...int) (*tensor.Tensor, error) {
	t, err := tensor.Zeros(dims...)
	if err != nil {
		return nil, err
	}
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	data := t.Data()
	for i := range data {
		data[i] = (rng.Float64()*2.0 - 1.0) * bound
	}
	return t, nil
}
