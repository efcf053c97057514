// Package einsum evaluates Einstein summations over any number of operands.
//
// The equation lists one term per operand, separated by ",", followed by
// "->" and the output term, e.g. "bhd,brd,btd->bhrt". Every character is an
// axis label. Labels absent from the output are summed over. A label may
// appear with size 1 in some operands and size n in others: the unit axes
// broadcast, which is what lets a batch-shared operand drop its batch label
// or keep it with size 1.
package einsum

import (
	"errors"
	"fmt"
	"runtime"
	"slices"
	"strings"
	"sync"

	"github.com/23skdu/longbow-kge/internal/simd"
	"github.com/23skdu/longbow-kge/internal/tensor"
)

// ErrInvalidEquation is returned for malformed equations.
var ErrInvalidEquation = errors.New("einsum: invalid equation")

// parallelThreshold is the output size above which the contraction fans out.
const parallelThreshold = 4096

var numWorkers = runtime.NumCPU()

type operandDesc []rune

func newOperandDesc(str string) (operandDesc, error) {
	d := make(operandDesc, 0, len(str))
	for _, r := range str {
		if d.hasAxis(r) {
			return nil, fmt.Errorf("%w: term %q has axis %q appearing more than once", ErrInvalidEquation, str, r)
		}
		d = append(d, r)
	}
	return d, nil
}

func (d operandDesc) hasAxis(axis rune) bool {
	return slices.Contains(d, axis)
}

// plan is a parsed equation bound to concrete operand shapes.
type plan struct {
	outShape tensor.Shape
	sumSizes []int
	// per operand, stride along every output axis / summed axis (0 = broadcast)
	outStrides [][]int
	sumStrides [][]int
}

// Contract evaluates equation over operands and returns the output tensor.
func Contract(equation string, operands ...*tensor.Tensor) (*tensor.Tensor, error) {
	p, err := compile(equation, operands)
	if err != nil {
		return nil, err
	}

	data := make([][]float64, len(operands))
	for i, op := range operands {
		data[i] = op.Data()
	}

	out := make([]float64, p.outShape.NumElements())
	if len(out) < parallelThreshold || numWorkers == 1 {
		p.fill(out, data, 0, len(out))
		return tensor.New(p.outShape, out)
	}

	var wg sync.WaitGroup
	chunk := (len(out) + numWorkers - 1) / numWorkers
	for start := 0; start < len(out); start += chunk {
		end := min(start+chunk, len(out))
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			p.fill(out, data, start, end)
		}(start, end)
	}
	wg.Wait()
	return tensor.New(p.outShape, out)
}

func compile(equation string, operands []*tensor.Tensor) (*plan, error) {
	parts := strings.Split(strings.ReplaceAll(equation, " ", ""), "->")
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: %q needs exactly one \"->\"", ErrInvalidEquation, equation)
	}
	output, err := newOperandDesc(parts[1])
	if err != nil {
		return nil, err
	}
	terms := strings.Split(parts[0], ",")
	if len(terms) != len(operands) {
		return nil, fmt.Errorf("%w: %q describes %d operands, got %d", ErrInvalidEquation, equation, len(terms), len(operands))
	}

	inputs := make([]operandDesc, len(terms))
	sizes := make(map[rune]int)
	var order []rune // first-seen order of input labels
	for i, term := range terms {
		if inputs[i], err = newOperandDesc(term); err != nil {
			return nil, fmt.Errorf("operand %d: %w", i, err)
		}
		shape := operands[i].Shape()
		if len(inputs[i]) != len(shape) {
			return nil, fmt.Errorf("%w: term %q for operand %d of shape %v", tensor.ErrShapeMismatch, term, i, shape)
		}
		for ax, label := range inputs[i] {
			size, seen := sizes[label]
			switch {
			case !seen:
				sizes[label] = shape[ax]
				order = append(order, label)
			case size == shape[ax] || shape[ax] == 1:
			case size == 1:
				sizes[label] = shape[ax]
			default:
				return nil, fmt.Errorf("%w: axis %q has sizes %d and %d", tensor.ErrShapeMismatch, label, size, shape[ax])
			}
		}
	}

	for _, label := range output {
		if _, ok := sizes[label]; !ok {
			return nil, fmt.Errorf("%w: output axis %q does not appear in any operand", ErrInvalidEquation, label)
		}
	}

	var summed []rune
	for _, label := range order {
		if !output.hasAxis(label) {
			summed = append(summed, label)
		}
	}

	p := &plan{
		outShape:   make(tensor.Shape, len(output)),
		sumSizes:   make([]int, len(summed)),
		outStrides: make([][]int, len(operands)),
		sumStrides: make([][]int, len(operands)),
	}
	for i, label := range output {
		p.outShape[i] = sizes[label]
	}
	for i, label := range summed {
		p.sumSizes[i] = sizes[label]
	}
	for i, op := range operands {
		shape := op.Shape()
		own := shape.Strides()
		stride := func(label rune) int {
			ax := slices.Index(inputs[i], label)
			if ax < 0 || shape[ax] == 1 {
				return 0
			}
			return own[ax]
		}
		p.outStrides[i] = make([]int, len(output))
		for j, label := range output {
			p.outStrides[i][j] = stride(label)
		}
		p.sumStrides[i] = make([]int, len(summed))
		for j, label := range summed {
			p.sumStrides[i][j] = stride(label)
		}
	}
	return p, nil
}

// fill computes out[start:end].
func (p *plan) fill(out []float64, data [][]float64, start, end int) {
	nOps := len(data)
	idx := make([]int, len(p.outShape))
	offsets := make([]int, nOps)

	// decompose start into coordinates
	rem := start
	for ax := len(idx) - 1; ax >= 0; ax-- {
		idx[ax] = rem % p.outShape[ax]
		rem /= p.outShape[ax]
	}
	for j := range data {
		for ax, x := range idx {
			offsets[j] += x * p.outStrides[j][ax]
		}
	}

	sumIdx := make([]int, len(p.sumSizes))
	sumOff := make([]int, nOps)
	for o := start; o < end; o++ {
		out[o] = p.reduce(data, offsets, sumIdx, sumOff)
		for ax := len(idx) - 1; ax >= 0; ax-- {
			idx[ax]++
			for j := range offsets {
				offsets[j] += p.outStrides[j][ax]
			}
			if idx[ax] < p.outShape[ax] {
				break
			}
			for j := range offsets {
				offsets[j] -= p.outStrides[j][ax] * p.outShape[ax]
			}
			idx[ax] = 0
		}
	}
}

// reduce sums the operand product over every summed axis, starting at the
// given per-operand base offsets.
func (p *plan) reduce(data [][]float64, base, sumIdx, sumOff []int) float64 {
	switch len(p.sumSizes) {
	case 0:
		v := 1.0
		for j, d := range data {
			v *= d[base[j]]
		}
		return v
	case 1:
		n := p.sumSizes[0]
		if len(data) == 3 && p.sumStrides[0][0] == 1 && p.sumStrides[1][0] == 1 && p.sumStrides[2][0] == 1 {
			return simd.TripleProduct(
				data[0][base[0]:base[0]+n],
				data[1][base[1]:base[1]+n],
				data[2][base[2]:base[2]+n],
			)
		}
		if len(data) == 2 && p.sumStrides[0][0] == 1 && p.sumStrides[1][0] == 1 {
			return simd.DotProduct(data[0][base[0]:base[0]+n], data[1][base[1]:base[1]+n])
		}
		strides := make([]int, len(data))
		for j := range data {
			strides[j] = p.sumStrides[j][0]
		}
		return simd.StridedProduct(data, base, strides, n)
	}

	for i := range sumIdx {
		sumIdx[i] = 0
	}
	copy(sumOff, base)
	var sum float64
	for {
		v := 1.0
		for j, d := range data {
			v *= d[sumOff[j]]
		}
		sum += v

		ax := len(sumIdx) - 1
		for ; ax >= 0; ax-- {
			sumIdx[ax]++
			for j := range sumOff {
				sumOff[j] += p.sumStrides[j][ax]
			}
			if sumIdx[ax] < p.sumSizes[ax] {
				break
			}
			for j := range sumOff {
				sumOff[j] -= p.sumStrides[j][ax] * p.sumSizes[ax]
			}
			sumIdx[ax] = 0
		}
		if ax < 0 {
			return sum
		}
	}
}
