// Package nn provides the forward-only layers ConvE's feature extractor is
// built from. Layers own their parameters and never modify them in Forward;
// dropout and batch norm read the train/eval switch from a shared Mode.
package nn

import (
	"sync/atomic"

	"github.com/23skdu/longbow-kge/internal/tensor"
)

// Layer is a tensor-in, tensor-out transform.
type Layer interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
}

// Apply runs x through l, passing x through unchanged when l is nil.
func Apply(l Layer, x *tensor.Tensor) (*tensor.Tensor, error) {
	if l == nil {
		return x, nil
	}
	return l.Forward(x)
}

// Mode is the train/eval switch shared by the layers of one model.
// The zero value is evaluation mode.
type Mode struct {
	training atomic.Bool
}

// Train switches to training mode.
func (m *Mode) Train() { m.training.Store(true) }

// Eval switches to evaluation mode.
func (m *Mode) Eval() { m.training.Store(false) }

// Training reports whether the mode is training. A nil Mode is evaluation.
func (m *Mode) Training() bool {
	return m != nil && m.training.Load()
}
