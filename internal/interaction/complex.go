package interaction

import (
	"github.com/23skdu/longbow-kge/internal/einsum"
	"github.com/23skdu/longbow-kge/internal/simd"
	"github.com/23skdu/longbow-kge/internal/tensor"
)

// complexTerm selects real (false) or imaginary (true) halves of h, r and t
// for one trilinear component of the Hermitian product.
type complexTerm struct {
	hIm, rIm, tIm bool
	sign          float64
}

// Re(<h, r, conj(t)>) expanded into real contractions.
var complexTerms = [...]complexTerm{
	{false, false, false, 1},
	{false, true, true, 1},
	{true, false, true, 1},
	{true, true, false, -1},
}

// ComplEx scores triples by the real part of the Hermitian trilinear
// product. The trailing dimension of each input holds the real half
// followed by the imaginary half and must be even.
func ComplEx(h, r, t *tensor.Tensor) (*tensor.Tensor, error) {
	o, err := normalizeTerms(h, r, t)
	if err != nil {
		return nil, err
	}

	var parts [3][2]*tensor.Tensor
	for i, x := range []*tensor.Tensor{o.h, o.r, o.t} {
		if parts[i][0], parts[i][1], err = tensor.SplitComplex(x); err != nil {
			return nil, err
		}
	}
	pick := func(i int, im bool) *tensor.Tensor {
		if im {
			return parts[i][1]
		}
		return parts[i][0]
	}

	// Every term contracts halves of equal shape, so the partial scores
	// share one shape and accumulate in place.
	equation := o.equation()
	var score *tensor.Tensor
	for _, term := range complexTerms {
		part, err := einsum.Contract(equation, pick(0, term.hIm), pick(1, term.rIm), pick(2, term.tIm))
		if err != nil {
			return nil, err
		}
		if score == nil {
			score = part.Scale(term.sign)
			continue
		}
		simd.VecAddScaled(score.Data(), part.Data(), term.sign)
	}
	return score, nil
}
