package interaction

import (
	"github.com/23skdu/longbow-kge/internal/einsum"
	"github.com/23skdu/longbow-kge/internal/tensor"
)

// DistMult scores triples by the trilinear product sum_d h_d * r_d * t_d.
//
// h, r and t are (batch, dim) or (batch, k, dim); the result is
// (batch, num_heads, num_relations, num_tails).
func DistMult(h, r, t *tensor.Tensor) (*tensor.Tensor, error) {
	o, err := normalizeTerms(h, r, t)
	if err != nil {
		return nil, err
	}
	return einsum.Contract(o.equation(), o.h, o.r, o.t)
}
