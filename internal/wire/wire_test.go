package wire

import (
	"bytes"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-kge/internal/tensor"
)

func seq(t *testing.T, offset float64, dims ...int) *tensor.Tensor {
	t.Helper()
	x, err := tensor.Zeros(dims...)
	require.NoError(t, err)
	for i := range x.Data() {
		x.Data()[i] = offset + float64(i)
	}
	return x
}

func TestScoreRequestCBOR(t *testing.T) {
	h, r, tl := seq(t, 0, 2, 4), seq(t, 10, 2, 4), seq(t, 20, 1, 3, 4)
	req := &ScoreRequest{
		Interaction: "distmult",
		H:           FromTensor(h),
		R:           FromTensor(r),
		T:           FromTensor(tl),
	}

	var buf bytes.Buffer
	require.NoError(t, EncodeRequest(&buf, req))
	got, err := DecodeRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, "distmult", got.Interaction)

	gh, gr, gt, err := got.Tensors()
	require.NoError(t, err)
	assert.Equal(t, h.Shape(), gh.Shape())
	assert.Equal(t, r.Data(), gr.Data())
	assert.Equal(t, tensor.Shape{1, 3, 4}, gt.Shape())
	assert.Equal(t, tl.Data(), gt.Data())
}

func TestScoreRequestInvalidTensor(t *testing.T) {
	req := &ScoreRequest{
		H: TensorPayload{Shape: []int{2, 2}, Data: []float64{1, 2, 3, 4}},
		R: TensorPayload{Shape: []int{2, 2}, Data: []float64{1, 2, 3}},
		T: TensorPayload{Shape: []int{2, 2}, Data: []float64{1, 2, 3, 4}},
	}
	_, _, _, err := req.Tensors()
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
	assert.Contains(t, err.Error(), "r:")
}

func TestScoreResponseCBOR(t *testing.T) {
	scores := seq(t, 0.5, 2, 1, 1, 3)
	var buf bytes.Buffer
	require.NoError(t, EncodeResponse(&buf, &ScoreResponse{Interaction: "complex", Scores: FromTensor(scores)}))

	got, err := DecodeResponse(&buf)
	require.NoError(t, err)
	assert.Equal(t, "complex", got.Interaction)
	x, err := got.Scores.Tensor()
	require.NoError(t, err)
	assert.Equal(t, scores.Shape(), x.Shape())
	assert.Equal(t, scores.Data(), x.Data())
}

func TestDecodeRequestGarbage(t *testing.T) {
	_, err := DecodeRequest(bytes.NewReader([]byte{0xff, 0x00, 0x13}))
	assert.Error(t, err)
}

func TestTripleRecord(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	h, r, tl := seq(t, 0, 3, 4), seq(t, 100, 3, 4), seq(t, 200, 3, 5)
	rec, err := NewTripleRecord(mem, h, r, tl)
	require.NoError(t, err)
	defer rec.Release()

	assert.Equal(t, int64(3), rec.NumRows())
	assert.Equal(t, int64(3), rec.NumCols())

	gh, gr, gt, err := TriplesFromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, h.Data(), gh.Data())
	assert.Equal(t, r.Data(), gr.Data())
	assert.Equal(t, tensor.Shape{3, 5}, gt.Shape())
	assert.Equal(t, tl.Data(), gt.Data())

	t.Run("Sliced", func(t *testing.T) {
		sliced := rec.NewSlice(1, 3)
		defer sliced.Release()
		gh, _, _, err := TriplesFromRecord(sliced)
		require.NoError(t, err)
		assert.Equal(t, h.Data()[4:], gh.Data())
	})

	t.Run("Mismatch", func(t *testing.T) {
		_, err := NewTripleRecord(mem, h, seq(t, 0, 2, 4), tl)
		assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
	})
}

func TestTriplesFromRecordSchema(t *testing.T) {
	mem := memory.NewGoAllocator()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: ColumnHead, Type: arrow.PrimitiveTypes.Float64},
	}, nil)
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	b.Field(0).(*array.Float64Builder).Append(1)
	rec := b.NewRecordBatch()
	defer rec.Release()

	_, _, _, err := TriplesFromRecord(rec)
	assert.ErrorIs(t, err, ErrSchema)
}

func TestScoreRecord(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	scores := seq(t, 1, 2, 3, 1, 2)
	rec, err := NewScoreRecord(mem, scores)
	require.NoError(t, err)
	defer rec.Release()
	assert.Equal(t, int64(12), rec.NumRows())
	assert.True(t, rec.Schema().Equal(ScoreSchema))

	tail := rec.Column(3).(*array.Int64)
	head := rec.Column(1).(*array.Int64)
	assert.Equal(t, int64(1), tail.Value(1))
	assert.Equal(t, int64(1), head.Value(2))

	values, err := ScoreValues(rec)
	require.NoError(t, err)
	assert.Equal(t, scores.Data(), values)

	back, err := ScoresFromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, scores.Shape(), back.Shape())
	assert.Equal(t, scores.Data(), back.Data())

	t.Run("Vector", func(t *testing.T) {
		rec, err := NewScoreRecord(mem, seq(t, 0, 4))
		require.NoError(t, err)
		defer rec.Release()
		back, err := ScoresFromRecord(rec)
		require.NoError(t, err)
		assert.Equal(t, tensor.Shape{4, 1, 1, 1}, back.Shape())
	})

	t.Run("BadRank", func(t *testing.T) {
		_, err := NewScoreRecord(mem, seq(t, 0, 2, 2))
		assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
	})
}

func TestWriteStream(t *testing.T) {
	mem := memory.NewGoAllocator()
	first, err := NewScoreRecord(mem, seq(t, 0, 1, 1, 1, 2))
	require.NoError(t, err)
	defer first.Release()
	second, err := NewScoreRecord(mem, seq(t, 5, 1, 1, 1, 3))
	require.NoError(t, err)
	defer second.Release()

	var buf bytes.Buffer
	require.NoError(t, WriteStream(&buf, ScoreSchema, first, second))

	reader, err := ipc.NewReader(&buf)
	require.NoError(t, err)
	defer reader.Release()

	var all []float64
	for reader.Next() {
		values, err := ScoreValues(reader.RecordBatch())
		require.NoError(t, err)
		all = append(all, values...)
	}
	require.NoError(t, reader.Err())
	assert.Equal(t, []float64{0, 1, 5, 6, 7}, all)
}
