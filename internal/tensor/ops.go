package tensor

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/23skdu/longbow-kge/internal/device"
	"github.com/23skdu/longbow-kge/internal/simd"
)

// numWorkers defines the default parallelism for batched kernels
var numWorkers = runtime.NumCPU()

// Add returns t + other with NumPy broadcasting.
func (t *Tensor) Add(other *Tensor) (*Tensor, error) {
	if t.shape.Equal(other.shape) {
		out := make([]float64, len(t.data))
		copy(out, t.data)
		simd.VecAdd(out, other.data)
		return wrap(t.shape.Clone(), out), nil
	}

	shape, err := BroadcastShapes(t.shape, other.shape)
	if err != nil {
		return nil, err
	}
	sa := broadcastStrides(t.shape, shape)
	sb := broadcastStrides(other.shape, shape)

	out := make([]float64, shape.NumElements())
	idx := make([]int, len(shape))
	offA, offB := 0, 0
	for o := range out {
		out[o] = t.data[offA] + other.data[offB]
		for i := len(idx) - 1; i >= 0; i-- {
			idx[i]++
			offA += sa[i]
			offB += sb[i]
			if idx[i] < shape[i] {
				break
			}
			offA -= sa[i] * shape[i]
			offB -= sb[i] * shape[i]
			idx[i] = 0
		}
	}
	return wrap(shape, out), nil
}

// AddScalar returns t + v.
func (t *Tensor) AddScalar(v float64) *Tensor {
	out := make([]float64, len(t.data))
	for i, x := range t.data {
		out[i] = x + v
	}
	return wrap(t.shape.Clone(), out)
}

// Scale returns t * v.
func (t *Tensor) Scale(v float64) *Tensor {
	out := make([]float64, len(t.data))
	copy(out, t.data)
	simd.VecScale(out, v)
	return wrap(t.shape.Clone(), out)
}

// Map returns a tensor with fn applied to every element.
func (t *Tensor) Map(fn func(float64) float64) *Tensor {
	out := make([]float64, len(t.data))
	for i, x := range t.data {
		out[i] = fn(x)
	}
	return wrap(t.shape.Clone(), out)
}

// MatMul computes the batched matrix product a @ b on backend. The last two
// axes are the matrix axes, (m, k) and (k, n); leading axes broadcast like
// Add. Both operands need rank >= 2.
func MatMul(backend device.Backend, a, b *Tensor) (*Tensor, error) {
	if a.Rank() < 2 || b.Rank() < 2 {
		return nil, fmt.Errorf("%w: matmul needs rank >= 2, got %v and %v", ErrShapeMismatch, a.shape, b.shape)
	}
	m, k := a.Dim(-2), a.Dim(-1)
	k2, n := b.Dim(-2), b.Dim(-1)
	if k != k2 {
		return nil, fmt.Errorf("%w: matmul %v @ %v", ErrShapeMismatch, a.shape, b.shape)
	}

	batchA := a.shape[:len(a.shape)-2]
	batchB := b.shape[:len(b.shape)-2]
	batch, err := BroadcastShapes(batchA, batchB)
	if err != nil {
		return nil, fmt.Errorf("matmul %v @ %v: %w", a.shape, b.shape, err)
	}
	sa := broadcastStrides(batchA, batch)
	sb := broadcastStrides(batchB, batch)

	shape := append(batch.Clone(), m, n)
	out := make([]float64, shape.NumElements())
	count := batch.NumElements()

	// matrix offsets for every broadcast batch position
	offA := make([]int, count)
	offB := make([]int, count)
	idx := make([]int, len(batch))
	for p := 0; p < count; p++ {
		for i, x := range idx {
			offA[p] += x * sa[i]
			offB[p] += x * sb[i]
		}
		for i := len(idx) - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < batch[i] {
				break
			}
			idx[i] = 0
		}
	}

	gemm := func(p int) error {
		return backend.Gemm(false, false, m, n, k,
			a.data[offA[p]*m*k:(offA[p]+1)*m*k],
			b.data[offB[p]*k*n:(offB[p]+1)*k*n],
			out[p*m*n:(p+1)*m*n])
	}

	if count < 2*numWorkers {
		for p := 0; p < count; p++ {
			if err := gemm(p); err != nil {
				return nil, err
			}
		}
		return wrap(shape, out), nil
	}

	var wg sync.WaitGroup
	errs := make([]error, numWorkers)
	perWorker := (count + numWorkers - 1) / numWorkers
	for w := 0; w < numWorkers; w++ {
		start := w * perWorker
		end := min(start+perWorker, count)
		if start >= end {
			break
		}
		wg.Add(1)
		go func(w, start, end int) {
			defer wg.Done()
			for p := start; p < end; p++ {
				if err := gemm(p); err != nil {
					errs[w] = err
					return
				}
			}
		}(w, start, end)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return wrap(shape, out), nil
}
