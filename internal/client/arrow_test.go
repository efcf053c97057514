package client

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-kge/internal/tensor"
	"github.com/23skdu/longbow-kge/internal/wire"
)

func triples(t *testing.T, n, dim int) (h, r, tl *tensor.Tensor) {
	t.Helper()
	mk := func(offset float64) *tensor.Tensor {
		x, err := tensor.Zeros(n, dim)
		require.NoError(t, err)
		for i := range x.Data() {
			x.Data()[i] = offset + float64(i)
		}
		return x
	}
	return mk(0), mk(1000), mk(2000)
}

func TestBuildTripleBatches(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)
	h, r, tl := triples(t, 5, 3)

	t.Run("Chunked", func(t *testing.T) {
		batches, err := NewRecordBatchBuilder(mem, 2).BuildTripleBatches(h, r, tl)
		require.NoError(t, err)
		require.Len(t, batches, 3)
		defer func() {
			for _, b := range batches {
				b.Release()
			}
		}()

		rows := []int64{2, 2, 1}
		for i, b := range batches {
			assert.Equal(t, rows[i], b.NumRows())
		}
		gh, _, gt, err := wire.TriplesFromRecord(batches[2])
		require.NoError(t, err)
		assert.Equal(t, h.Data()[12:], gh.Data())
		assert.Equal(t, tl.Data()[12:], gt.Data())
	})

	t.Run("Single", func(t *testing.T) {
		batches, err := NewRecordBatchBuilder(mem, 0).BuildTripleBatches(h, r, tl)
		require.NoError(t, err)
		require.Len(t, batches, 1)
		defer batches[0].Release()
		assert.Equal(t, int64(5), batches[0].NumRows())
	})

	t.Run("Mismatch", func(t *testing.T) {
		_, _, short := triples(t, 3, 3)
		_, err := NewRecordBatchBuilder(mem, 2).BuildTripleBatches(h, r, short)
		assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
	})
}
