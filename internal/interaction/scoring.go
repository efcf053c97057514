package interaction

import (
	"fmt"

	"github.com/23skdu/longbow-kge/internal/tensor"
)

// ScoreHRT scores one triple per row. h, r and t are (n, dim) and the
// result is (n,).
func ScoreHRT(ix Interaction, h, r, t *tensor.Tensor) (*tensor.Tensor, error) {
	return score(ix, -1, row(h), row(r), row(t))
}

// ScoreT scores every (h, r) row against all tails. h and r are (n, dim),
// tails is (num_tails, dim) and the result is (n, num_tails).
func ScoreT(ix Interaction, h, r, tails *tensor.Tensor) (*tensor.Tensor, error) {
	return score(ix, 2, row(h), row(r), shared(tails))
}

// ScoreH scores every (r, t) row against all heads. heads is
// (num_heads, dim), r and t are (n, dim) and the result is (n, num_heads).
func ScoreH(ix Interaction, heads, r, t *tensor.Tensor) (*tensor.Tensor, error) {
	return score(ix, 2, shared(heads), row(r), row(t))
}

// ScoreR scores every (h, t) row against all relations. relations is
// (num_relations, dim), h and t are (n, dim) and the result is
// (n, num_relations).
func ScoreR(ix Interaction, h, relations, t *tensor.Tensor) (*tensor.Tensor, error) {
	return score(ix, 2, row(h), shared(relations), row(t))
}

type view func() (*tensor.Tensor, error)

// row views an (n, dim) tensor as (n, 1, dim).
func row(x *tensor.Tensor) view {
	return func() (*tensor.Tensor, error) {
		if x.Rank() != 2 {
			return nil, fmt.Errorf("%w: expected (n, dim), got %v", tensor.ErrShapeMismatch, x.Shape())
		}
		return x.Unsqueeze(1)
	}
}

// shared views a (k, dim) candidate table as (1, k, dim).
func shared(x *tensor.Tensor) view {
	return func() (*tensor.Tensor, error) {
		if x.Rank() != 2 {
			return nil, fmt.Errorf("%w: expected (k, dim), got %v", tensor.ErrShapeMismatch, x.Shape())
		}
		return x.Unsqueeze(0)
	}
}

// score evaluates ix on the three views and flattens the result to rank
// outRank (-1 for a vector, 2 for (n, candidates)).
func score(ix Interaction, outRank int, h, r, t view) (*tensor.Tensor, error) {
	var xs [3]*tensor.Tensor
	for i, v := range []view{h, r, t} {
		x, err := v()
		if err != nil {
			return nil, err
		}
		xs[i] = x
	}
	scores, err := ix.Score(xs[0], xs[1], xs[2])
	if err != nil {
		return nil, err
	}
	if outRank < 0 {
		return scores.Reshape(-1)
	}
	return scores.Reshape(scores.Dim(0), -1)
}
