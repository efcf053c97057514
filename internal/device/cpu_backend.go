package device

import (
	"errors"
	"fmt"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)

// ErrOperandSize is returned when a kernel operand is smaller than its
// declared dimensions.
var ErrOperandSize = errors.New("device: operand size does not match dimensions")

// CPUBackend dispatches GEMM to the registered gonum BLAS implementation
// (pure Go by default, netlib when built with -tags netlib).
type CPUBackend struct {
	pool sync.Pool
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) Gemm(transA, transB bool, m, n, k int, a, bMat, c []float64) error {
	if m <= 0 || n <= 0 || k <= 0 {
		return fmt.Errorf("%w: gemm m=%d n=%d k=%d", ErrOperandSize, m, n, k)
	}
	if len(a) < m*k || len(bMat) < k*n || len(c) < m*n {
		return fmt.Errorf("%w: gemm a=%d b=%d c=%d for m=%d n=%d k=%d",
			ErrOperandSize, len(a), len(bMat), len(c), m, n, k)
	}

	ga := blas64.General{Rows: m, Cols: k, Stride: k, Data: a[:m*k]}
	ta := blas.NoTrans
	if transA {
		ga = blas64.General{Rows: k, Cols: m, Stride: m, Data: a[:m*k]}
		ta = blas.Trans
	}
	gb := blas64.General{Rows: k, Cols: n, Stride: n, Data: bMat[:k*n]}
	tb := blas.NoTrans
	if transB {
		gb = blas64.General{Rows: n, Cols: k, Stride: k, Data: bMat[:k*n]}
		tb = blas.Trans
	}
	gc := blas64.General{Rows: m, Cols: n, Stride: n, Data: c[:m*n]}

	blas64.Gemm(ta, tb, 1, ga, gb, 0, gc)

	gemmCalls.WithLabelValues(b.Name()).Inc()
	gemmFlops.WithLabelValues(b.Name()).Add(float64(2 * m * n * k))
	return nil
}

func (b *CPUBackend) GetBuffer(size int) []float64 {
	if v, ok := b.pool.Get().(*[]float64); ok && v != nil && cap(*v) >= size {
		poolHits.Inc()
		buf := (*v)[:size]
		for i := range buf {
			buf[i] = 0
		}
		return buf
	}
	poolMisses.Inc()
	return make([]float64, size)
}

func (b *CPUBackend) PutBuffer(buf []float64) {
	if cap(buf) == 0 {
		return
	}
	buf = buf[:0]
	b.pool.Put(&buf)
}

func (b *CPUBackend) Synchronize() error {
	// CPU is always synchronous
	return nil
}
