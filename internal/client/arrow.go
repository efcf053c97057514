package client

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-kge/internal/tensor"
	"github.com/23skdu/longbow-kge/internal/wire"
)

// RecordBatchBuilder splits triple tensors into Flight-sized record batches.
type RecordBatchBuilder struct {
	mem     memory.Allocator
	maxRows int
}

// NewRecordBatchBuilder creates a new builder emitting at most maxRows rows
// per batch (all rows in one batch when maxRows <= 0).
func NewRecordBatchBuilder(mem memory.Allocator, maxRows int) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem, maxRows: maxRows}
}

// BuildTripleBatches converts (n, dim) head, relation and tail tensors into
// triple record batches. The caller releases the batches.
func (b *RecordBatchBuilder) BuildTripleBatches(h, r, t *tensor.Tensor) ([]arrow.RecordBatch, error) {
	if h.Rank() != 2 {
		return nil, fmt.Errorf("%w: triples need (n, dim), got %v", tensor.ErrShapeMismatch, h.Shape())
	}
	n := h.Dim(0)
	step := b.maxRows
	if step <= 0 || step > n {
		step = n
	}

	var batches []arrow.RecordBatch
	release := func() {
		for _, rec := range batches {
			rec.Release()
		}
	}
	for start := 0; start < n; start += step {
		length := min(step, n-start)
		parts := make([]*tensor.Tensor, 3)
		for i, x := range []*tensor.Tensor{h, r, t} {
			part, err := x.Narrow(0, start, length)
			if err != nil {
				release()
				return nil, err
			}
			parts[i] = part
		}
		rec, err := wire.NewTripleRecord(b.mem, parts[0], parts[1], parts[2])
		if err != nil {
			release()
			return nil, err
		}
		batches = append(batches, rec)
	}
	return batches, nil
}
