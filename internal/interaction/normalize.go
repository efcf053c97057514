package interaction

import (
	"fmt"

	"github.com/23skdu/longbow-kge/internal/tensor"
)

// Candidate-axis symbols. Every tensor owns a distinct one, so the terms of
// a single contraction never collide.
const (
	symbolHead     = "h"
	symbolRelation = "r"
	symbolTail     = "t"

	// scoreTerm is the output layout of every einsum-based interaction.
	scoreTerm = "bhrt"
)

// NormalizeForEinsum rewrites x, of shape (batch, dim) or (batch, k, dim),
// into an einsum operand.
//
// When x carries the full batch it becomes (batchSize, k, dim) with term
// "b<symbol>d"; a rank-2 input gets k = 1. When its leading axis is 1 it is
// shared by every batch row: it becomes (k, dim) with term "<symbol>d" and
// the contraction broadcasts it over the batch without copying.
func NormalizeForEinsum(x *tensor.Tensor, batchSize int, symbol string) (string, *tensor.Tensor, error) {
	if x.Rank() != 2 && x.Rank() != 3 {
		return "", nil, fmt.Errorf("%w: %s must be (batch, dim) or (batch, k, dim), got %v",
			tensor.ErrShapeMismatch, symbol, x.Shape())
	}
	dim := x.Dim(-1)
	switch x.Dim(0) {
	case batchSize:
		y, err := x.Reshape(batchSize, -1, dim)
		if err != nil {
			return "", nil, err
		}
		return "b" + symbol + "d", y, nil
	case 1:
		y, err := x.Reshape(-1, dim)
		if err != nil {
			return "", nil, err
		}
		return symbol + "d", y, nil
	}
	return "", nil, fmt.Errorf("%w: %s has batch size %d, expected %d or 1",
		tensor.ErrShapeMismatch, symbol, x.Dim(0), batchSize)
}

// operands is one normalized (h, r, t) triple ready for a contraction.
type operands struct {
	h, r, t      *tensor.Tensor
	hTerm, rTerm string
	tTerm        string
}

func (o operands) equation() string {
	return o.hTerm + "," + o.rTerm + "," + o.tTerm + "->" + scoreTerm
}

func batchSizeOf(xs ...*tensor.Tensor) int {
	size := 0
	for _, x := range xs {
		size = max(size, x.Dim(0))
	}
	return size
}

func normalizeTerms(h, r, t *tensor.Tensor) (operands, error) {
	var (
		o   operands
		err error
	)
	batchSize := batchSizeOf(h, r, t)
	if o.hTerm, o.h, err = NormalizeForEinsum(h, batchSize, symbolHead); err != nil {
		return o, err
	}
	if o.rTerm, o.r, err = NormalizeForEinsum(r, batchSize, symbolRelation); err != nil {
		return o, err
	}
	if o.tTerm, o.t, err = NormalizeForEinsum(t, batchSize, symbolTail); err != nil {
		return o, err
	}
	return o, nil
}
