// Package tensor implements the dense float64 n-dimensional arrays the
// interaction functions operate on.
//
// Tensors are immutable from the point of view of the scoring code: every
// operation returns a new tensor. Reshape-style operations (Reshape,
// Unsqueeze, Squeeze) return views that share storage with their source.
package tensor

import (
	"errors"
	"fmt"
)

var (
	// ErrShapeMismatch is returned when operand shapes are incompatible or a
	// reshape target does not match the element count.
	ErrShapeMismatch = errors.New("tensor: shape mismatch")

	// ErrOddDimension is returned when a tensor has to be split into two
	// equal halves along an axis of odd size.
	ErrOddDimension = errors.New("tensor: dimension is not even")

	// ErrInvalidAxis is returned for axis arguments outside the tensor rank.
	ErrInvalidAxis = errors.New("tensor: invalid axis")
)

// Tensor is a row-major float64 array.
type Tensor struct {
	shape Shape
	data  []float64
}

// New creates a tensor of the given shape. A nil data slice allocates zeros;
// otherwise data is copied and its length must match the shape.
func New(shape Shape, data []float64) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	size := shape.NumElements()
	t := &Tensor{shape: shape.Clone(), data: make([]float64, size)}
	if data != nil {
		if len(data) != size {
			return nil, fmt.Errorf("%w: %d values for shape %v", ErrShapeMismatch, len(data), shape)
		}
		copy(t.data, data)
	}
	return t, nil
}

// Zeros creates a zero-filled tensor.
func Zeros(dims ...int) (*Tensor, error) {
	return New(Shape(dims), nil)
}

// Full creates a tensor with every element set to v.
func Full(v float64, dims ...int) (*Tensor, error) {
	t, err := New(Shape(dims), nil)
	if err != nil {
		return nil, err
	}
	for i := range t.data {
		t.data[i] = v
	}
	return t, nil
}

// Ones creates a tensor of ones.
func Ones(dims ...int) (*Tensor, error) {
	return Full(1, dims...)
}

// wrap adopts data without copying.
func wrap(shape Shape, data []float64) *Tensor {
	return &Tensor{shape: shape, data: data}
}

// Shape returns a copy of the tensor dimensions.
func (t *Tensor) Shape() Shape {
	return t.shape.Clone()
}

// Rank returns the number of axes.
func (t *Tensor) Rank() int {
	return len(t.shape)
}

// Dim returns the size of an axis; negative axes count from the end.
func (t *Tensor) Dim(axis int) int {
	a, err := t.axis(axis)
	if err != nil {
		return 0
	}
	return t.shape[a]
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	return len(t.data)
}

// Data returns the underlying storage in row-major order. Callers must not
// modify it unless they own the tensor.
func (t *Tensor) Data() []float64 {
	return t.data
}

// At returns the element at the given coordinates.
func (t *Tensor) At(idx ...int) float64 {
	return t.data[t.offset(idx)]
}

// Set writes the element at the given coordinates.
func (t *Tensor) Set(v float64, idx ...int) {
	t.data[t.offset(idx)] = v
}

func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("tensor: %d indices for rank %d", len(idx), len(t.shape)))
	}
	off := 0
	for i, x := range idx {
		if x < 0 || x >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index %v out of range for shape %v", idx, t.shape))
		}
		off = off*t.shape[i] + x
	}
	return off
}

// axis normalizes a possibly negative axis.
func (t *Tensor) axis(axis int) (int, error) {
	a := axis
	if a < 0 {
		a += len(t.shape)
	}
	if a < 0 || a >= len(t.shape) {
		return 0, fmt.Errorf("%w: axis %d for rank %d", ErrInvalidAxis, axis, len(t.shape))
	}
	return a, nil
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	data := make([]float64, len(t.data))
	copy(data, t.data)
	return wrap(t.shape.Clone(), data)
}

// String returns a short description of the tensor.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor%v", []int(t.shape))
}
