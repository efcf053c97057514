package wire

import (
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/parquet-go/parquet-go"
)

// ScoreRow is one cell of a score tensor in Parquet form.
type ScoreRow struct {
	Batch    int64   `parquet:"batch"`
	Head     int64   `parquet:"head"`
	Relation int64   `parquet:"relation"`
	Tail     int64   `parquet:"tail"`
	Score    float64 `parquet:"score"`
}

// WriteParquet writes score record batches to w as a single Zstd
// compressed Parquet file.
func WriteParquet(w io.Writer, recs ...arrow.RecordBatch) error {
	pw := parquet.NewGenericWriter[ScoreRow](w, parquet.Compression(&parquet.Zstd))
	for _, rec := range recs {
		rows, err := scoreRows(rec)
		if err != nil {
			_ = pw.Close()
			return err
		}
		if len(rows) == 0 {
			continue
		}
		if _, err := pw.Write(rows); err != nil {
			_ = pw.Close()
			return err
		}
	}
	return pw.Close()
}

// ReadParquet reads every score row of a Parquet file written by
// WriteParquet.
func ReadParquet(r io.ReaderAt, size int64) ([]ScoreRow, error) {
	pf, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, err
	}
	pr := parquet.NewGenericReader[ScoreRow](pf)
	defer func() { _ = pr.Close() }()

	rows := make([]ScoreRow, pr.NumRows())
	n, err := pr.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return rows[:n], nil
}

func scoreRows(rec arrow.RecordBatch) ([]ScoreRow, error) {
	values, err := ScoreValues(rec)
	if err != nil {
		return nil, err
	}
	var cols [4]*array.Int64
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
	}

	rows := make([]ScoreRow, len(values))
	for i, v := range values {
		rows[i] = ScoreRow{
			Batch:    cols[0].Value(i),
			Head:     cols[1].Value(i),
			Relation: cols[2].Value(i),
			Tail:     cols[3].Value(i),
			Score:    v,
		}
	}
	return rows, nil
}
