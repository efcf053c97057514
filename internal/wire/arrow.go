package wire

import (
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-kge/internal/tensor"
)

// ErrSchema is returned for record batches missing an expected column.
var ErrSchema = errors.New("wire: unexpected record schema")

// Column names of triple and score record batches.
const (
	ColumnHead     = "h"
	ColumnRelation = "r"
	ColumnTail     = "t"

	ColumnBatch         = "batch"
	ColumnHeadIndex     = "head"
	ColumnRelationIndex = "relation"
	ColumnTailIndex     = "tail"
	ColumnScore         = "score"
)

// ScoreSchema is the schema of score record batches: one row per cell of a
// (batch, num_heads, num_relations, num_tails) score tensor.
var ScoreSchema = arrow.NewSchema([]arrow.Field{
	{Name: ColumnBatch, Type: arrow.PrimitiveTypes.Int64},
	{Name: ColumnHeadIndex, Type: arrow.PrimitiveTypes.Int64},
	{Name: ColumnRelationIndex, Type: arrow.PrimitiveTypes.Int64},
	{Name: ColumnTailIndex, Type: arrow.PrimitiveTypes.Int64},
	{Name: ColumnScore, Type: arrow.PrimitiveTypes.Float64},
}, nil)

// TripleSchema returns the schema for rows of (h, r, t) embeddings with the
// given widths.
func TripleSchema(hDim, rDim, tDim int) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: ColumnHead, Type: arrow.FixedSizeListOf(int32(hDim), arrow.PrimitiveTypes.Float64)},
		{Name: ColumnRelation, Type: arrow.FixedSizeListOf(int32(rDim), arrow.PrimitiveTypes.Float64)},
		{Name: ColumnTail, Type: arrow.FixedSizeListOf(int32(tDim), arrow.PrimitiveTypes.Float64)},
	}, nil)
}

// NewTripleRecord builds a record batch from (n, dim) head, relation and
// tail tensors.
func NewTripleRecord(mem memory.Allocator, h, r, t *tensor.Tensor) (arrow.RecordBatch, error) {
	for _, x := range []*tensor.Tensor{h, r, t} {
		if x.Rank() != 2 || x.Dim(0) != h.Dim(0) {
			return nil, fmt.Errorf("%w: triples need (n, dim) tensors with equal n, got %v %v %v",
				tensor.ErrShapeMismatch, h.Shape(), r.Shape(), t.Shape())
		}
	}
	schema := TripleSchema(h.Dim(1), r.Dim(1), t.Dim(1))
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	for i, x := range []*tensor.Tensor{h, r, t} {
		lb := b.Field(i).(*array.FixedSizeListBuilder)
		vb := lb.ValueBuilder().(*array.Float64Builder)
		dim := x.Dim(1)
		data := x.Data()
		for row := 0; row < x.Dim(0); row++ {
			lb.Append(true)
			vb.AppendValues(data[row*dim:(row+1)*dim], nil)
		}
	}
	return b.NewRecordBatch(), nil
}

// TriplesFromRecord reads the h, r and t columns of rec as (n, dim) tensors.
func TriplesFromRecord(rec arrow.RecordBatch) (h, r, t *tensor.Tensor, err error) {
	out := make([]*tensor.Tensor, 3)
	for i, name := range []string{ColumnHead, ColumnRelation, ColumnTail} {
		if out[i], err = embeddingColumn(rec, name); err != nil {
			return nil, nil, nil, err
		}
	}
	return out[0], out[1], out[2], nil
}

func embeddingColumn(rec arrow.RecordBatch, name string) (*tensor.Tensor, error) {
	idx := rec.Schema().FieldIndices(name)
	if len(idx) == 0 {
		return nil, fmt.Errorf("%w: missing column %q", ErrSchema, name)
	}
	col, ok := rec.Column(idx[0]).(*array.FixedSizeList)
	if !ok {
		return nil, fmt.Errorf("%w: column %q is %s, want fixed_size_list<float64>", ErrSchema, name, rec.Column(idx[0]).DataType())
	}
	values, ok := col.ListValues().(*array.Float64)
	if !ok {
		return nil, fmt.Errorf("%w: column %q holds %s, want float64", ErrSchema, name, col.ListValues().DataType())
	}
	dim := int(col.DataType().(*arrow.FixedSizeListType).Len())
	rows := col.Len()
	if rows == 0 || dim == 0 {
		return nil, fmt.Errorf("%w: column %q is empty", ErrSchema, name)
	}

	data := make([]float64, 0, rows*dim)
	raw := values.Float64Values()
	for i := 0; i < rows; i++ {
		if col.IsNull(i) {
			return nil, fmt.Errorf("%w: column %q has a null at row %d", ErrSchema, name, i)
		}
		start, end := col.ValueOffsets(i)
		data = append(data, raw[start:end]...)
	}
	return tensor.New(tensor.Shape{rows, dim}, data)
}

// NewScoreRecord flattens a (batch, num_heads, num_relations, num_tails)
// score tensor into a record batch. A rank-1 tensor is read as one score
// per batch row.
func NewScoreRecord(mem memory.Allocator, scores *tensor.Tensor) (arrow.RecordBatch, error) {
	if scores.Rank() == 1 {
		var err error
		if scores, err = scores.Reshape(-1, 1, 1, 1); err != nil {
			return nil, err
		}
	}
	if scores.Rank() != 4 {
		return nil, fmt.Errorf("%w: scores must be (batch, heads, relations, tails), got %v", tensor.ErrShapeMismatch, scores.Shape())
	}
	b := array.NewRecordBuilder(mem, ScoreSchema)
	defer b.Release()

	idx := []*array.Int64Builder{
		b.Field(0).(*array.Int64Builder),
		b.Field(1).(*array.Int64Builder),
		b.Field(2).(*array.Int64Builder),
		b.Field(3).(*array.Int64Builder),
	}
	vals := b.Field(4).(*array.Float64Builder)
	for _, ib := range idx {
		ib.Reserve(scores.Len())
	}
	vals.AppendValues(scores.Data(), nil)

	shape := scores.Shape()
	for i := 0; i < shape[0]; i++ {
		for j := 0; j < shape[1]; j++ {
			for k := 0; k < shape[2]; k++ {
				for l := 0; l < shape[3]; l++ {
					idx[0].UnsafeAppend(int64(i))
					idx[1].UnsafeAppend(int64(j))
					idx[2].UnsafeAppend(int64(k))
					idx[3].UnsafeAppend(int64(l))
				}
			}
		}
	}
	return b.NewRecordBatch(), nil
}

// ScoreValues returns the score column of a score record batch.
func ScoreValues(rec arrow.RecordBatch) ([]float64, error) {
	idx := rec.Schema().FieldIndices(ColumnScore)
	if len(idx) == 0 {
		return nil, fmt.Errorf("%w: missing column %q", ErrSchema, ColumnScore)
	}
	col, ok := rec.Column(idx[0]).(*array.Float64)
	if !ok {
		return nil, fmt.Errorf("%w: column %q is %s, want float64", ErrSchema, ColumnScore, rec.Column(idx[0]).DataType())
	}
	out := make([]float64, col.Len())
	copy(out, col.Float64Values())
	return out, nil
}

// ScoresFromRecord rebuilds the score tensor from a score record batch. The
// shape is one past the largest index in every index column.
func ScoresFromRecord(rec arrow.RecordBatch) (*tensor.Tensor, error) {
	values, err := ScoreValues(rec)
	if err != nil {
		return nil, err
	}
	cols := make([]*array.Int64, 4)
	shape := make(tensor.Shape, 4)
	for i, name := range []string{ColumnBatch, ColumnHeadIndex, ColumnRelationIndex, ColumnTailIndex} {
		idx := rec.Schema().FieldIndices(name)
		if len(idx) == 0 {
			return nil, fmt.Errorf("%w: missing column %q", ErrSchema, name)
		}
		col, ok := rec.Column(idx[0]).(*array.Int64)
		if !ok {
			return nil, fmt.Errorf("%w: column %q is %s, want int64", ErrSchema, name, rec.Column(idx[0]).DataType())
		}
		cols[i] = col
		for _, v := range col.Int64Values() {
			if v < 0 {
				return nil, fmt.Errorf("%w: negative index in %q", ErrSchema, name)
			}
			shape[i] = max(shape[i], int(v)+1)
		}
	}
	scores, err := tensor.Zeros(shape...)
	if err != nil {
		return nil, err
	}
	for row, v := range values {
		scores.Set(v, int(cols[0].Value(row)), int(cols[1].Value(row)), int(cols[2].Value(row)), int(cols[3].Value(row)))
	}
	return scores, nil
}

// WriteStream writes records as one Arrow IPC stream.
func WriteStream(w io.Writer, schema *arrow.Schema, recs ...arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(schema))
	for _, rec := range recs {
		if err := writer.Write(rec); err != nil {
			_ = writer.Close()
			return err
		}
	}
	return writer.Close()
}
