// Package device provides the compute backends the tensor engine dispatches
// dense linear algebra to, and the error vocabulary for driver failures.
package device

import (
	"fmt"
	"strings"
)

// Backend runs dense kernels on a device and manages scratch memory.
type Backend interface {
	Name() string

	// Gemm computes c = op(a) * op(b) where op(a) is m x k, op(b) is k x n and
	// c is m x n, all row-major. transA/transB select the transposed storage
	// (a stored as k x m, b stored as n x k). c is overwritten.
	Gemm(transA, transB bool, m, n, k int, a, b, c []float64) error

	// GetBuffer gets a zeroed scratch buffer from the pool or allocates one.
	GetBuffer(size int) []float64

	// PutBuffer returns a scratch buffer to the pool.
	PutBuffer(buf []float64)

	// Synchronize blocks until all queued operations are complete and
	// reports any deferred device failure.
	Synchronize() error
}

// Open returns the backend registered under name ("cpu" or "cuda").
func Open(name string) (Backend, error) {
	switch strings.ToLower(name) {
	case "", "cpu":
		return NewCPUBackend(), nil
	case "cuda", "gpu":
		return NewCudaBackend()
	default:
		return nil, fmt.Errorf("device: unknown backend %q", name)
	}
}
