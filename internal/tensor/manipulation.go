package tensor

import (
	"fmt"
)

// Reshape returns a view with new dimensions. One dimension may be -1, in
// which case it is inferred from the element count.
func (t *Tensor) Reshape(dims ...int) (*Tensor, error) {
	shape := make(Shape, len(dims))
	infer := -1
	known := 1
	for i, d := range dims {
		switch {
		case d == -1:
			if infer >= 0 {
				return nil, fmt.Errorf("%w: reshape %v has more than one -1", ErrShapeMismatch, dims)
			}
			infer = i
		case d <= 0:
			return nil, fmt.Errorf("%w: reshape %v has non-positive dimension", ErrShapeMismatch, dims)
		default:
			known *= d
		}
		shape[i] = d
	}
	if infer >= 0 {
		if known == 0 || len(t.data)%known != 0 {
			return nil, fmt.Errorf("%w: cannot reshape %v into %v", ErrShapeMismatch, t.shape, dims)
		}
		shape[infer] = len(t.data) / known
	}
	if shape.NumElements() != len(t.data) {
		return nil, fmt.Errorf("%w: cannot reshape %v into %v", ErrShapeMismatch, t.shape, dims)
	}
	return wrap(shape, t.data), nil
}

// Unsqueeze returns a view with a unit axis inserted at position axis
// (0 <= axis <= rank, negative values count from rank+1).
func (t *Tensor) Unsqueeze(axis int) (*Tensor, error) {
	a := axis
	if a < 0 {
		a += len(t.shape) + 1
	}
	if a < 0 || a > len(t.shape) {
		return nil, fmt.Errorf("%w: unsqueeze axis %d for rank %d", ErrInvalidAxis, axis, len(t.shape))
	}
	shape := make(Shape, 0, len(t.shape)+1)
	shape = append(shape, t.shape[:a]...)
	shape = append(shape, 1)
	shape = append(shape, t.shape[a:]...)
	return wrap(shape, t.data), nil
}

// Squeeze returns a view without the given unit axis.
func (t *Tensor) Squeeze(axis int) (*Tensor, error) {
	a, err := t.axis(axis)
	if err != nil {
		return nil, err
	}
	if t.shape[a] != 1 {
		return nil, fmt.Errorf("%w: cannot squeeze axis %d of size %d", ErrShapeMismatch, axis, t.shape[a])
	}
	shape := make(Shape, 0, len(t.shape)-1)
	shape = append(shape, t.shape[:a]...)
	shape = append(shape, t.shape[a+1:]...)
	return wrap(shape, t.data), nil
}

// Repeat tiles the tensor reps[i] times along axis i. It materializes the
// result, so the output dimension i is shape[i]*reps[i].
func (t *Tensor) Repeat(reps ...int) (*Tensor, error) {
	if len(reps) != len(t.shape) {
		return nil, fmt.Errorf("%w: %d repeats for rank %d", ErrShapeMismatch, len(reps), len(t.shape))
	}
	shape := make(Shape, len(t.shape))
	trivial := true
	for i, r := range reps {
		if r <= 0 {
			return nil, fmt.Errorf("%w: repeat %v has non-positive count", ErrShapeMismatch, reps)
		}
		if r != 1 {
			trivial = false
		}
		shape[i] = t.shape[i] * r
	}
	if trivial {
		return t.Clone(), nil
	}

	out := make([]float64, shape.NumElements())
	src := t.shape.Strides()
	idx := make([]int, len(shape))
	for o := range out {
		off := 0
		for i, x := range idx {
			off += (x % t.shape[i]) * src[i]
		}
		out[o] = t.data[off]
		// odometer
		for i := len(idx) - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < shape[i] {
				break
			}
			idx[i] = 0
		}
	}
	return wrap(shape, out), nil
}

// Concat joins tensors along axis. All tensors must have the same rank and
// agree on every other dimension.
func Concat(axis int, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("%w: concat of no tensors", ErrShapeMismatch)
	}
	first := ts[0]
	a, err := first.axis(axis)
	if err != nil {
		return nil, err
	}
	shape := first.shape.Clone()
	shape[a] = 0
	for _, x := range ts {
		if len(x.shape) != len(first.shape) {
			return nil, fmt.Errorf("%w: concat rank %d with rank %d", ErrShapeMismatch, len(x.shape), len(first.shape))
		}
		for i := range x.shape {
			if i != a && x.shape[i] != first.shape[i] {
				return nil, fmt.Errorf("%w: concat %v with %v along axis %d", ErrShapeMismatch, x.shape, first.shape, axis)
			}
		}
		shape[a] += x.shape[a]
	}

	outer := Shape(shape[:a]).NumElements()
	out := make([]float64, 0, shape.NumElements())
	for o := 0; o < outer; o++ {
		for _, x := range ts {
			chunk := Shape(x.shape[a:]).NumElements()
			out = append(out, x.data[o*chunk:(o+1)*chunk]...)
		}
	}
	return wrap(shape, out), nil
}

// Transpose swaps two axes and materializes the result.
func (t *Tensor) Transpose(axis0, axis1 int) (*Tensor, error) {
	a, err := t.axis(axis0)
	if err != nil {
		return nil, err
	}
	b, err := t.axis(axis1)
	if err != nil {
		return nil, err
	}
	if a == b {
		return t.Clone(), nil
	}
	shape := t.shape.Clone()
	shape[a], shape[b] = shape[b], shape[a]

	// Read the source through permuted strides.
	src := t.shape.Strides()
	src[a], src[b] = src[b], src[a]

	out := make([]float64, len(t.data))
	idx := make([]int, len(shape))
	off := 0
	for o := range out {
		out[o] = t.data[off]
		for i := len(idx) - 1; i >= 0; i-- {
			idx[i]++
			off += src[i]
			if idx[i] < shape[i] {
				break
			}
			off -= src[i] * shape[i]
			idx[i] = 0
		}
	}
	return wrap(shape, out), nil
}

// Narrow returns the slice [start, start+length) along axis as a new tensor.
func (t *Tensor) Narrow(axis, start, length int) (*Tensor, error) {
	a, err := t.axis(axis)
	if err != nil {
		return nil, err
	}
	if start < 0 || length <= 0 || start+length > t.shape[a] {
		return nil, fmt.Errorf("%w: narrow [%d, %d) of axis %d with size %d",
			ErrShapeMismatch, start, start+length, axis, t.shape[a])
	}
	shape := t.shape.Clone()
	shape[a] = length

	outer := Shape(t.shape[:a]).NumElements()
	inner := Shape(t.shape[a+1:]).NumElements()
	out := make([]float64, 0, shape.NumElements())
	for o := 0; o < outer; o++ {
		base := o * t.shape[a] * inner
		out = append(out, t.data[base+start*inner:base+(start+length)*inner]...)
	}
	return wrap(shape, out), nil
}

// SplitComplex splits the trailing dimension into its real and imaginary
// halves. The trailing dimension must be even.
func SplitComplex(x *Tensor) (re, im *Tensor, err error) {
	if x.Rank() == 0 {
		return nil, nil, fmt.Errorf("%w: cannot split a scalar", ErrInvalidAxis)
	}
	d := x.Dim(-1)
	if d%2 != 0 {
		return nil, nil, fmt.Errorf("%w: trailing dimension %d of %v", ErrOddDimension, d, x.shape)
	}
	if re, err = x.Narrow(-1, 0, d/2); err != nil {
		return nil, nil, err
	}
	if im, err = x.Narrow(-1, d/2, d/2); err != nil {
		return nil, nil, err
	}
	return re, im, nil
}
